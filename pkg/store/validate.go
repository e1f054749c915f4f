package store

import (
	"strings"
	"unicode/utf8"

	"github.com/kass/go-geo-points/pkg/models"
)

const (
	MaxNameLength = 255
	MaxTextLength = 2000
)

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", models.Invalid(models.CodeNameTooLong, "name",
			"ensure this field has no more than %d characters", MaxNameLength)
	}
	return name, nil
}

func normalizeText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", models.Invalid(models.CodeEmptyText, "text", "this field may not be blank")
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return "", models.Invalid(models.CodeTextTooLong, "text",
			"ensure this field has no more than %d characters", MaxTextLength)
	}
	return text, nil
}
