// Package grouper clusters raw diagnostics by file and category, detects
// cascading root-cause relationships, and computes a deterministic fix order.
package grouper

import (
	"regexp"
	"sort"
	"strings"

	"github.com/izavyalov-dev/delta-repair/diagnostic"
)

// Cascade ties one root-cause issue to the symptom issues its fix is
// expected to resolve.
type Cascade struct {
	Root     diagnostic.Issue   `json:"root"`
	Symbol   string             `json:"symbol"`
	Symptoms []diagnostic.Issue `json:"symptoms"`
}

// SharedCause is one normalized message seen across two or more files,
// eligible for a single batched fix.
type SharedCause struct {
	NormalizedMessage string             `json:"normalized_message"`
	Files             []string           `json:"files"`
	Issues            []diagnostic.Issue `json:"issues"`
}

// BatchGroups partitions issues by how they can be scheduled.
type BatchGroups struct {
	// RootCause issues must be fixed first and sequentially.
	RootCause []diagnostic.Issue `json:"root_cause"`
	// Independent issues can be fixed in parallel.
	Independent []diagnostic.Issue `json:"independent"`
	// Symptom issues are fixed sequentially after the roots.
	Symptom []diagnostic.Issue `json:"symptom"`
}

// Grouping is the full output of one grouping pass.
type Grouping struct {
	ByFile       map[string][]diagnostic.Issue             `json:"by_file"`
	ByCategory   map[diagnostic.Category][]diagnostic.Issue `json:"by_category"`
	Cascades     []Cascade                                 `json:"cascades"`
	SharedCauses []SharedCause                             `json:"shared_causes"`
	FixOrder     []string                                  `json:"fix_order"`
	Batches      BatchGroups                               `json:"batches"`
	Complexity   float64                                   `json:"complexity"`
}

// Complexity weights. Each input dimension is capped before weighting so a
// single pathological repository cannot push the score past 1.
const (
	fileCountCap   = 10.0
	avgPerFileCap  = 5.0
	cascadeCap     = 5.0
	fileWeight     = 0.4
	avgIssueWeight = 0.3
	cascadeWeight  = 0.3
)

// Group clusters a flat issue list into the structures the pipeline plans from.
func Group(issues []diagnostic.Issue) Grouping {
	g := Grouping{
		ByFile:     make(map[string][]diagnostic.Issue),
		ByCategory: make(map[diagnostic.Category][]diagnostic.Issue),
	}
	for _, issue := range issues {
		g.ByFile[issue.File] = append(g.ByFile[issue.File], issue)
		g.ByCategory[issue.Category] = append(g.ByCategory[issue.Category], issue)
	}

	g.Cascades = detectCascades(issues)
	g.SharedCauses = detectSharedCauses(issues)
	g.FixOrder = computeFixOrder(g.ByFile, g.Cascades)
	g.Batches = partitionBatches(issues, g.Cascades)
	g.Complexity = complexityScore(len(g.ByFile), len(issues), len(g.Cascades))
	return g
}

var symbolPatterns = []*regexp.Regexp{
	regexp.MustCompile(`['"` + "`" + `]([A-Za-z_][A-Za-z0-9_./-]*)['"` + "`" + `]`),
	regexp.MustCompile(`undefined:?\s+([A-Za-z_][A-Za-z0-9_.]*)`),
	regexp.MustCompile(`cannot find (?:module|package|name|symbol)\s+([A-Za-z_][A-Za-z0-9_./-]*)`),
	regexp.MustCompile(`ImportError[^A-Za-z_]*([A-Za-z_][A-Za-z0-9_.]*)`),
}

// extractSymbols pulls candidate unresolved-symbol names out of a message.
func extractSymbols(message string) []string {
	seen := make(map[string]struct{})
	var symbols []string
	for _, pattern := range symbolPatterns {
		for _, match := range pattern.FindAllStringSubmatch(message, -1) {
			name := match[1]
			if len(name) < 2 {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			symbols = append(symbols, name)
		}
	}
	return symbols
}

// detectCascades pairs root-cause import/reference issues with the issues
// that mention the same unresolved symbol. The root is the issue that names
// the symbol in an import or reference error; every other issue whose
// message contains that symbol is treated as a symptom.
func detectCascades(issues []diagnostic.Issue) []Cascade {
	var cascades []Cascade
	for i, root := range issues {
		if root.Category != diagnostic.CategoryImport && root.Category != diagnostic.CategoryReference {
			continue
		}
		if root.Category == diagnostic.CategoryReference && !isRootCandidate(root, issues) {
			continue
		}
		for _, symbol := range extractSymbols(root.Message) {
			var symptoms []diagnostic.Issue
			for j, other := range issues {
				if i == j {
					continue
				}
				if strings.Contains(other.Message, symbol) {
					symptoms = append(symptoms, other)
				}
			}
			if len(symptoms) > 0 {
				cascades = append(cascades, Cascade{Root: root, Symbol: symbol, Symptoms: symptoms})
				break
			}
		}
	}
	return cascades
}

// isRootCandidate keeps reference errors from claiming cascades when an
// import error already explains the same symbol.
func isRootCandidate(candidate diagnostic.Issue, issues []diagnostic.Issue) bool {
	symbols := extractSymbols(candidate.Message)
	for _, other := range issues {
		if other.Category != diagnostic.CategoryImport {
			continue
		}
		for _, symbol := range extractSymbols(other.Message) {
			for _, mine := range symbols {
				if strings.Contains(mine, symbol) || strings.Contains(candidate.Message, symbol) {
					return false
				}
			}
		}
	}
	return true
}

var normalizeStrip = regexp.MustCompile(`[0-9]+|['"` + "`" + `][^'"` + "`" + `]*['"` + "`" + `]`)

// normalizeMessage lowercases a message and strips numbers and quoted names
// so structurally identical diagnostics compare equal.
func normalizeMessage(message string) string {
	lower := strings.ToLower(strings.TrimSpace(message))
	stripped := normalizeStrip.ReplaceAllString(lower, "_")
	return strings.Join(strings.Fields(stripped), " ")
}

func detectSharedCauses(issues []diagnostic.Issue) []SharedCause {
	byMessage := make(map[string][]diagnostic.Issue)
	for _, issue := range issues {
		key := normalizeMessage(issue.Message)
		if key == "" {
			continue
		}
		byMessage[key] = append(byMessage[key], issue)
	}

	var shared []SharedCause
	for key, group := range byMessage {
		files := make(map[string]struct{}, len(group))
		for _, issue := range group {
			files[issue.File] = struct{}{}
		}
		if len(files) < 2 {
			continue
		}
		fileList := make([]string, 0, len(files))
		for file := range files {
			fileList = append(fileList, file)
		}
		sort.Strings(fileList)
		shared = append(shared, SharedCause{
			NormalizedMessage: key,
			Files:             fileList,
			Issues:            group,
		})
	}
	sort.Slice(shared, func(i, j int) bool {
		return shared[i].NormalizedMessage < shared[j].NormalizedMessage
	})
	return shared
}

// computeFixOrder returns files in the order they should be fixed:
// root-cause files first, then symptom files, then the rest sorted by
// descending issue count with path as the tie-break.
func computeFixOrder(byFile map[string][]diagnostic.Issue, cascades []Cascade) []string {
	order := make([]string, 0, len(byFile))
	placed := make(map[string]struct{}, len(byFile))

	appendFile := func(file string) {
		if file == "" {
			return
		}
		if _, done := placed[file]; done {
			return
		}
		if _, known := byFile[file]; !known {
			return
		}
		placed[file] = struct{}{}
		order = append(order, file)
	}

	for _, cascade := range cascades {
		appendFile(cascade.Root.File)
	}
	for _, cascade := range cascades {
		for _, symptom := range cascade.Symptoms {
			appendFile(symptom.File)
		}
	}

	remaining := make([]string, 0, len(byFile))
	for file := range byFile {
		if _, done := placed[file]; !done {
			remaining = append(remaining, file)
		}
	}
	sort.Slice(remaining, func(i, j int) bool {
		ci, cj := len(byFile[remaining[i]]), len(byFile[remaining[j]])
		if ci != cj {
			return ci > cj
		}
		return remaining[i] < remaining[j]
	})
	for _, file := range remaining {
		appendFile(file)
	}
	return order
}

func partitionBatches(issues []diagnostic.Issue, cascades []Cascade) BatchGroups {
	roots := make(map[string]struct{})
	symptoms := make(map[string]struct{})
	for _, cascade := range cascades {
		roots[issueKey(cascade.Root)] = struct{}{}
		for _, symptom := range cascade.Symptoms {
			symptoms[issueKey(symptom)] = struct{}{}
		}
	}

	var batches BatchGroups
	for _, issue := range issues {
		key := issueKey(issue)
		if _, isRoot := roots[key]; isRoot {
			batches.RootCause = append(batches.RootCause, issue)
			continue
		}
		if _, isSymptom := symptoms[key]; isSymptom {
			batches.Symptom = append(batches.Symptom, issue)
			continue
		}
		batches.Independent = append(batches.Independent, issue)
	}
	return batches
}

func issueKey(issue diagnostic.Issue) string {
	return issue.File + "|" + issue.Message + "|" + string(issue.Category)
}

func complexityScore(fileCount, issueCount, cascadeCount int) float64 {
	if fileCount == 0 {
		return 0
	}
	avgPerFile := float64(issueCount) / float64(fileCount)
	score := fileWeight*capRatio(float64(fileCount), fileCountCap) +
		avgIssueWeight*capRatio(avgPerFile, avgPerFileCap) +
		cascadeWeight*capRatio(float64(cascadeCount), cascadeCap)
	if score > 1 {
		score = 1
	}
	return score
}

func capRatio(value, limit float64) float64 {
	ratio := value / limit
	if ratio > 1 {
		return 1
	}
	return ratio
}
