package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
)

// fieldSep is ASCII 0x1e (record separator). It keeps the fingerprint
// injective over its fields: no concatenation of model, temperature,
// system and user text can collide with a different split of the same bytes.
const fieldSep = "\x1e"

// defaultTemperature applies when the request omits the field, matching
// the upstream default so explicit 1.0 and absent hash identically.
const defaultTemperature = 1.0

// Fingerprint derives the cache key for a chat request. The temperature is
// bucketed to one decimal so near-identical sampling settings share an entry.
func Fingerprint(model string, temperature *float64, systemPrompt, userMessage string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte(fieldSep))
	h.Write([]byte(temperatureBucket(temperature)))
	h.Write([]byte(fieldSep))
	h.Write([]byte(systemPrompt))
	h.Write([]byte(fieldSep))
	h.Write([]byte(userMessage))
	return hex.EncodeToString(h.Sum(nil))
}

func temperatureBucket(temperature *float64) string {
	t := defaultTemperature
	if temperature != nil {
		t = *temperature
	}
	return strconv.FormatFloat(math.Round(t*10)/10, 'f', 1, 64)
}
