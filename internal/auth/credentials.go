// Package auth owns the broker session: credential validation, one-time codes,
// login, single-flight refresh and logout.
package auth

import (
	"strings"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"angelone-bridge/internal/errors"
	"angelone-bridge/pkg/utils"
)

// Credentials is the immutable credential set used to log in.
type Credentials struct {
	APIKey     string
	ClientCode string
	Password   string
	TOTPSecret string
}

// Validate fails with a configuration error naming every empty field.
func (c Credentials) Validate() error {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"api_key", c.APIKey},
		{"client_code", c.ClientCode},
		{"password", c.Password},
		{"totp_secret", c.TOTPSecret},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return errors.ConfigurationError(missing)
	}
	return nil
}

// ValidateCredentials is Validate as a free function.
func ValidateCredentials(c Credentials) error {
	return c.Validate()
}

// String hides secrets.
func (c Credentials) String() string {
	return "Credentials{client_code=" + c.ClientCode + ", api_key=***, password=***, totp_secret=***}"
}

// OneTimeCodePeriod is the TOTP time step.
const OneTimeCodePeriod = 30

// GenerateOneTimeCode returns the 6-digit TOTP code for seed at clock.Now().
func GenerateOneTimeCode(seed string, clock utils.Clock) (string, error) {
	seed = strings.ReplaceAll(strings.TrimSpace(seed), " ", "")
	if seed == "" {
		return "", errors.ConfigurationError([]string{"totp_secret"})
	}
	code, err := totp.GenerateCodeCustom(seed, clock.Now(), totp.ValidateOpts{
		Period:    OneTimeCodePeriod,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", errors.New(errors.CodeConfigInvalid, "totp_secret is not valid base32", err).
			With("field", "totp_secret")
	}
	return code, nil
}
