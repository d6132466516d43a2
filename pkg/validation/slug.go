// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks short user-supplied names that end up as map
// keys in signed records, such as rating categories and subject types.
//
// Records are content addressed, so two spellings of one name ("Quality",
// "quality ") would split a category across summaries forever. Names are
// restricted to lowercase slugs and normalized before they are signed.
package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// MaxSlugLength is the longest accepted slug.
const MaxSlugLength = 64

// slugPattern matches lowercase letters, digits, dots, underscores and
// hyphens, starting with a letter or digit.
var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._\-]{0,63}$`)

// ValidateSlug validates a rating category or subject type.
//
// Valid slugs:
//   - 1-64 characters
//   - Lowercase letters a-z and digits 0-9
//   - Dots, underscores and hyphens after the first character
//
// Example:
//
//	if err := validation.ValidateSlug(category); err != nil {
//	    return fmt.Errorf("rating category: %w", err)
//	}
func ValidateSlug(s string) error {
	if s == "" {
		return fmt.Errorf("slug cannot be empty")
	}
	if !slugPattern.MatchString(s) {
		return fmt.Errorf("invalid slug %q (must be 1-%d lowercase alphanumeric chars, dots, underscores or hyphens)", s, MaxSlugLength)
	}
	return nil
}

// ValidateSlugs validates every slug and lists the invalid ones.
func ValidateSlugs(slugs []string) error {
	var invalid []string
	for _, s := range slugs {
		if err := ValidateSlug(s); err != nil {
			invalid = append(invalid, s)
		}
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return fmt.Errorf("invalid slugs: %q", invalid)
	}
	return nil
}

// SanitizeSlug lowercases and trims s, then validates it.
//
//	category, err := validation.SanitizeSlug(userInput)
//	if err != nil {
//	    return err
//	}
func SanitizeSlug(s string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	if err := ValidateSlug(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// SanitizeKeys returns m with every key sanitized. Two keys that normalize
// to the same slug are an error.
func SanitizeKeys[V any](m map[string]V) (map[string]V, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		slug, err := SanitizeSlug(k)
		if err != nil {
			return nil, err
		}
		if _, dup := out[slug]; dup {
			return nil, fmt.Errorf("duplicate key %q after normalization", slug)
		}
		out[slug] = v
	}
	return out, nil
}
