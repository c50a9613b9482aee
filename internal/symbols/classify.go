package symbols

import (
	"regexp"
	"strings"

	"angelone-bridge/internal/models"
)

var optionSuffix = regexp.MustCompile(`\d(CE|PE)$`)

// Classify derives an instrument kind from the symbol text alone:
// an -EQ/-BE suffix is equity, a FUT suffix is a future, a strike followed
// by CE/PE is an option. ok is false when the symbol carries no marker.
func Classify(symbol string) (models.InstrumentKind, bool) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	switch {
	case strings.HasSuffix(s, "-EQ"), strings.HasSuffix(s, "-BE"):
		return models.KindEquity, true
	case strings.HasSuffix(s, "FUT"):
		return models.KindFuture, true
	case optionSuffix.MatchString(s):
		if strings.HasSuffix(s, "CE") {
			return models.KindCall, true
		}
		return models.KindPut, true
	}
	return "", false
}
