package bson

import (
	"fmt"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// BinaryCollation is the default culture: plain byte-wise string comparison.
const BinaryCollation = "binary"

// Collation compares strings for a collection. The persisted form is
// "culture/options" where options is a comma-separated list understood by
// the underlying collator (IgnoreCase, IgnoreDiacritics, Numeric).
type Collation struct {
	culture  string
	options  []string
	collator *collate.Collator
}

// ParseCollation resolves a "culture/options" string into a Collation.
// The "binary" culture (and the empty string) bypasses the collator entirely.
func ParseCollation(spec string) (*Collation, error) {
	if spec == "" || strings.EqualFold(spec, BinaryCollation) {
		return &Collation{culture: BinaryCollation}, nil
	}

	culture, optionPart, _ := strings.Cut(spec, "/")
	tag, err := language.Parse(culture)
	if err != nil {
		return nil, fmt.Errorf("invalid collation culture %q: %w", culture, err)
	}

	var options []string
	var collateOpts []collate.Option
	if optionPart != "" {
		for _, opt := range strings.Split(optionPart, ",") {
			opt = strings.TrimSpace(opt)
			switch strings.ToLower(opt) {
			case "ignorecase":
				collateOpts = append(collateOpts, collate.IgnoreCase)
			case "ignorediacritics":
				collateOpts = append(collateOpts, collate.IgnoreDiacritics)
			case "numeric":
				collateOpts = append(collateOpts, collate.Numeric)
			default:
				return nil, fmt.Errorf("unknown collation option %q", opt)
			}
			options = append(options, opt)
		}
	}

	return &Collation{
		culture:  culture,
		options:  options,
		collator: collate.New(tag, collateOpts...),
	}, nil
}

// String returns the persisted "culture/options" form.
func (c *Collation) String() string {
	if c == nil || c.culture == BinaryCollation {
		return BinaryCollation
	}
	if len(c.options) == 0 {
		return c.culture
	}
	return c.culture + "/" + strings.Join(c.options, ",")
}

// Compare orders two strings under the collation.
func (c *Collation) Compare(a, b string) int {
	if c == nil || c.collator == nil {
		return compareStringsBinary(a, b)
	}
	return c.collator.CompareString(a, b)
}
