package utils

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// idNamespace scopes every synthesized transaction id.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://bank-aggregator/transactions"))

// CompositeID derives a stable id for records that arrive without one. The
// same (provider, account, page, sequence) always yields the same id, so a
// refetch never turns one event into two.
func CompositeID(provider, accountID, pageID string, seq int) string {
	name := strings.Join([]string{provider, accountID, pageID, strconv.Itoa(seq)}, "|")
	return provider + "-" + uuid.NewSHA1(idNamespace, []byte(name)).String()
}

// RecordID derives an id from a record's own stable fields, so it survives
// records being added around it. occurrence tells apart records that are
// identical in every field.
func RecordID(provider, accountID string, occurrence int, fields ...string) string {
	name := strings.Join(append([]string{provider, accountID, strconv.Itoa(occurrence)}, fields...), "|")
	return provider + "-" + uuid.NewSHA1(idNamespace, []byte(name)).String()
}

// FirstNonEmpty returns the first value that is not blank.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
