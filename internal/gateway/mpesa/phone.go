package mpesa

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/punchamoorthee/satsettle/internal/domain"
)

var msisdnPattern = regexp.MustCompile(`^254[17]\d{8}$`)

// NormalizePhone converts 07XXXXXXXX, 01XXXXXXXX, +2547XXXXXXXX and
// 2547XXXXXXXX into the 2547XXXXXXXX form Daraja expects.
func NormalizePhone(phone string) (string, error) {
	p := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(phone))
	p = strings.TrimPrefix(p, "+")
	if strings.HasPrefix(p, "0") && len(p) == 10 {
		p = "254" + p[1:]
	}
	if !msisdnPattern.MatchString(p) {
		return "", fmt.Errorf("%w: invalid phone number %q", domain.ErrValidation, phone)
	}
	return p, nil
}
