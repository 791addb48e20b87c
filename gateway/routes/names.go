package routes

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	coreerrors "moltmart/core/errors"
)

const (
	maxNameRunes        = 128
	maxHandleRunes      = 64
	maxCategoryRunes    = 64
	maxDescriptionRunes = 4000
)

// displayName NFKC-normalises a human readable name so look-alike forms
// compare and store identically.
func displayName(field, raw string, limit int, required bool) (string, error) {
	value := strings.Join(strings.Fields(norm.NFKC.String(raw)), " ")
	if value == "" {
		if required {
			return "", coreerrors.InvalidArgument(field + " required")
		}
		return "", nil
	}
	if utf8.RuneCountInString(value) > limit {
		return "", coreerrors.InvalidArgument(field + " too long")
	}
	for _, r := range value {
		if unicode.IsControl(r) {
			return "", coreerrors.InvalidArgument(field + " contains control characters")
		}
	}
	return value, nil
}

// socialHandle normalises a social handle, dropping a leading @.
func socialHandle(field, raw string) (string, error) {
	value := strings.TrimPrefix(strings.TrimSpace(norm.NFKC.String(raw)), "@")
	if value == "" {
		return "", nil
	}
	if utf8.RuneCountInString(value) > maxHandleRunes {
		return "", coreerrors.InvalidArgument(field + " too long")
	}
	for _, r := range value {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.') {
			return "", coreerrors.InvalidArgument(field + " contains invalid characters")
		}
	}
	return value, nil
}

// normalizeCategory returns the lowercased NFKC form used for catalogue grouping.
func normalizeCategory(raw string) (string, error) {
	value := norm.NFKC.String(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" {
		return "", coreerrors.InvalidArgument("category required")
	}
	if utf8.RuneCountInString(value) > maxCategoryRunes {
		return "", coreerrors.InvalidArgument("category too long")
	}
	return value, nil
}

func cleanDescription(raw string) (string, error) {
	value := strings.TrimSpace(norm.NFKC.String(raw))
	if utf8.RuneCountInString(value) > maxDescriptionRunes {
		return "", coreerrors.InvalidArgument("description too long")
	}
	return value, nil
}
