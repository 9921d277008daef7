package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Business contexts live under BusinessesDir, one directory per business,
// each with a context.md describing the company. The loaded context is
// injected as a system prompt so every council model advises the same
// business.

// businessCache holds the directory listing; invalidated on import
var businessCache = NewTTLCache[[]BusinessInfo](BusinessListTTL)

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// businessDisplayName derives a friendly name from the context file's first
// "# " heading, falling back to a title-cased directory name
func businessDisplayName(dir string, id string) string {
	name := titleCase(strings.ReplaceAll(id, "-", " "))

	file, err := os.Open(filepath.Join(dir, "context.md"))
	if err != nil {
		return name
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if scanner.Scan() {
		firstLine := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(firstLine, "# ") {
			heading := strings.TrimPrefix(firstLine, "# ")
			// Drop a " - Business Context" style suffix
			if idx := strings.Index(heading, " - "); idx >= 0 {
				heading = heading[:idx]
			}
			if heading = strings.TrimSpace(heading); heading != "" {
				name = heading
			}
		}
	}
	return name
}

// ListAvailableBusinesses returns all business contexts sorted by name.
// Results are cached; a missing directory yields an empty list.
func ListAvailableBusinesses() []BusinessInfo {
	if cached, ok := businessCache.Get(); ok {
		return cached
	}

	businesses := []BusinessInfo{}
	entries, err := os.ReadDir(BusinessesDir)
	if err != nil {
		return businesses
	}

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), "_") {
			continue
		}
		id := entry.Name()
		businesses = append(businesses, BusinessInfo{
			ID:   id,
			Name: businessDisplayName(filepath.Join(BusinessesDir, id), id),
		})
	}

	sort.Slice(businesses, func(i, j int) bool {
		return businesses[i].Name < businesses[j].Name
	})

	businessCache.Set(businesses)
	return businesses
}

// LoadBusinessContext reads a business's context.md.
// Returns "" when the business or its context file does not exist.
func LoadBusinessContext(businessID string) string {
	// Reject path traversal in IDs coming from requests
	if businessID != filepath.Base(businessID) || strings.HasPrefix(businessID, ".") {
		return ""
	}

	data, err := os.ReadFile(filepath.Join(BusinessesDir, businessID, "context.md"))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Error loading context for %s: %v", businessID, err)
		}
		return ""
	}
	return string(data)
}

// SystemPromptWithContext builds the system prompt carrying the business
// context. Returns "" when businessID is empty or has no context, in which
// case no system message is sent.
func SystemPromptWithContext(businessID string) string {
	if businessID == "" {
		return ""
	}

	context := LoadBusinessContext(businessID)
	if context == "" {
		return ""
	}

	return fmt.Sprintf(`You are an AI advisor participating in an AI Council. You are helping make decisions for a specific business. Read the business context carefully and ensure all your advice is relevant and appropriate for this company's situation, priorities, and constraints.

=== BUSINESS CONTEXT ===

%s

=== END BUSINESS CONTEXT ===

When responding:
1. Consider the business's stated priorities and constraints
2. Be practical given their current stage and resources
3. Reference specific aspects of their business when relevant
4. Avoid generic advice that ignores their context
`, context)
}

// AppendToBusinessContext appends imported material to a business's
// context.md, creating the business directory if needed
func AppendToBusinessContext(businessID string, section string) error {
	if businessID != filepath.Base(businessID) || strings.HasPrefix(businessID, ".") {
		return fmt.Errorf("invalid business id: %q", businessID)
	}

	dir := filepath.Join(BusinessesDir, businessID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create business directory: %w", err)
	}

	file, err := os.OpenFile(filepath.Join(dir, "context.md"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open context file: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString(section); err != nil {
		return fmt.Errorf("failed to write context file: %w", err)
	}

	businessCache.Clear()
	return nil
}
