package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"

	"autoresponder/pkg/models"
)

var alertKeyFields = []string{"sourceip", "destip", "attackid", "proto", "timestamp"}

var (
	ipPattern     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	numberPattern = regexp.MustCompile(`\d+(\.\d+)?`)
	spacePattern  = regexp.MustCompile(`\s+`)
	punctPattern  = regexp.MustCompile(`[^a-z_ ]+`)
)

type attackPattern struct {
	re   *regexp.Regexp
	name string
}

// Ordered: specific scans before the generic one.
var attackPatterns = []attackPattern{
	{regexp.MustCompile(`vertical[ _-]port[ _-]?scan`), "vertical_port_scan"},
	{regexp.MustCompile(`horizontal[ _-]port[ _-]?scan`), "horizontal_port_scan"},
	{regexp.MustCompile(`port[ _-]?scan`), "port_scan"},
	{regexp.MustCompile(`denial[ _-]of[ _-]service|\bddos\b|\bdos attack\b`), "denial_of_service"},
	{regexp.MustCompile(`brute[ _-]?forc`), "brute_force"},
	{regexp.MustCompile(`password[ _-]guessing`), "password_guessing"},
	{regexp.MustCompile(`c&c|command and control|\bc2\b`), "command_and_control"},
	{regexp.MustCompile(`malicious (jarm|ja3)`), "malicious_fingerprint"},
}

// AlertIdentity hashes the fields that make an alert line unique.
func AlertIdentity(alert models.Alert) string {
	key := make(map[string]interface{}, len(alertKeyFields))
	for _, f := range alertKeyFields {
		v, ok := alert[f]
		if !ok || v == nil {
			v = ""
		}
		key[f] = v
	}
	sum := sha256.Sum256(canonical(key))
	return hex.EncodeToString(sum[:])
}

// ThreatIdentity hashes source, destination and normalized attack type so
// that repeated alerts for one ongoing attack collapse to one value.
func ThreatIdentity(alert models.Alert) string {
	src, dst := Endpoints(alert)
	key := map[string]interface{}{
		"source_ip":              src,
		"dest_ip":                dst,
		"normalized_attack_type": AttackType(alert),
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(canonical(key)))
}

// Endpoints returns the alert's source and destination IPs, falling back to
// the first two IPs found in the raw text.
func Endpoints(alert models.Alert) (string, string) {
	src := alert.Field("sourceip")
	dst := alert.Field("destip")
	if src != "" && dst != "" {
		return src, dst
	}
	ips := ipPattern.FindAllString(alert.Field("raw"), 2)
	if src == "" && len(ips) > 0 {
		src = ips[0]
	}
	if dst == "" && len(ips) > 1 {
		dst = ips[1]
	}
	return src, dst
}

// AttackType extracts a normalized attack category from the alert's free
// text. Unknown categories fall back to the attack id or description with
// IPs and counts scrubbed.
func AttackType(alert models.Alert) string {
	text := alert.Text() + " " + strings.ToLower(alert.Field("attackid"))
	for _, p := range attackPatterns {
		if p.re.MatchString(text) {
			return p.name
		}
	}
	fallback := alert.FirstField("attackid", "description", "raw")
	return scrub(fallback)
}

func scrub(s string) string {
	s = strings.ToLower(s)
	s = ipPattern.ReplaceAllString(s, " ")
	s = numberPattern.ReplaceAllString(s, " ")
	s = punctPattern.ReplaceAllString(s, " ")
	s = strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
	if s == "" {
		return "unknown"
	}
	return s
}

// canonical encodes with sorted keys; encoding/json sorts map keys.
func canonical(m map[string]interface{}) []byte {
	data, err := json.Marshal(m)
	if err != nil {
		return []byte(fmt.Sprintf("%v", m))
	}
	return data
}
