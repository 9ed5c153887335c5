package agent

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const defaultSystemPrompt = `You are a database exploration agent. You answer questions about a relational database by calling read-only tools step by step.

Rules:
- Never answer from table or column names alone. Before finish, run_sql or sample_rows must have returned real rows that support the answer.
- Use the knowledge hint: do not list tables or describe schemas you already know.
- Only SELECT or WITH queries are allowed. One statement per call. A LIMIT is enforced automatically.
- If the user asks for examples, "show me", or what a table contains, fetch rows with sample_rows or run_sql first.
- When a tool fails with UNKNOWN_TABLE, UNKNOWN_COLUMN or SQL_SYNTAX_ERROR, fix the query using the known schemas instead of repeating it.`

const defaultDeveloperPrompt = `Reply with exactly one JSON object and nothing else:
{"thought": "<short reasoning>", "action": "<tool name>", "args": {...}}

To finish: {"thought": "...", "action": "finish", "args": {"answer": "<final answer>", "rationale": "<tables, columns and conditions used>"}}

Strategy:
1. list_tables (optionally with a keyword) when no tables are known.
2. describe_table on the most relevant table.
3. For counting questions use run_sql with SELECT COUNT(*) AS cnt FROM <table> WHERE ...
4. Otherwise run_sql or sample_rows to fetch the rows that answer the question.
5. finish, quoting the numbers or rows you observed.`

// PromptManager loads the decision prompts. Files in Directory override the
// built-in defaults: developer.md replaces the output contract and every
// other .md file is joined into the system prompt.
type PromptManager struct {
	Directory string
}

func NewPromptManager(dir string) *PromptManager {
	return &PromptManager{Directory: dir}
}

var promptOrder = map[string]int{
	"identity.md": 1,
	"rules.md":    2,
	"schema.md":   3,
	"user.md":     4,
}

func (pm *PromptManager) GetSystemPrompt() (string, error) {
	if pm.Directory == "" {
		return defaultSystemPrompt, nil
	}
	files, err := os.ReadDir(pm.Directory)
	if os.IsNotExist(err) {
		return defaultSystemPrompt, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read prompts directory: %v", err)
	}

	sort.Slice(files, func(i, j int) bool {
		oi, okI := promptOrder[files[i].Name()]
		oj, okJ := promptOrder[files[j].Name()]
		if okI && okJ {
			return oi < oj
		}
		if okI {
			return true
		}
		if okJ {
			return false
		}
		return files[i].Name() < files[j].Name()
	})

	var contents []string
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".md") || f.Name() == "developer.md" {
			continue
		}
		path := filepath.Join(pm.Directory, f.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("Warning: Failed to read prompt file %s: %v", path, err)
			continue
		}
		contents = append(contents, strings.TrimSpace(string(data)))
	}

	if len(contents) == 0 {
		return defaultSystemPrompt, nil
	}
	return strings.Join(contents, "\n\n---\n\n"), nil
}

func (pm *PromptManager) GetDeveloperPrompt() (string, error) {
	if pm.Directory == "" {
		return defaultDeveloperPrompt, nil
	}
	data, err := os.ReadFile(filepath.Join(pm.Directory, "developer.md"))
	if os.IsNotExist(err) {
		return defaultDeveloperPrompt, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read developer prompt: %v", err)
	}
	return strings.TrimSpace(string(data)), nil
}
