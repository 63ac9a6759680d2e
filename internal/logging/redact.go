package logging

import (
	"go.uber.org/zap"

	"github.com/JeremiahJRRoss/polaris-device-subclient/internal/config"
)

// Field builds a zap string field whose value has passed through r before
// it reaches any encoder, so a matching field name never serializes its
// real value to a log line (spec.md §7).
func Field(r *config.Redactor, key, value string) zap.Field {
	if r == nil {
		return zap.String(key, value)
	}
	return zap.String(key, r.Redact(key, value))
}
