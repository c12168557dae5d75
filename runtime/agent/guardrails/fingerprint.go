package guardrails

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint returns a stable hash of a tool call. Parameters are hashed in
// their canonical JSON form (object keys sorted), so maps that compare equal
// produce the same fingerprint regardless of iteration order.
func Fingerprint(toolName, target string, params map[string]any) string {
	d := xxhash.New()
	_, _ = d.WriteString(toolName)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(target)
	_, _ = d.Write([]byte{0})
	if len(params) > 0 {
		b, err := json.Marshal(params)
		if err != nil {
			// Unencodable values (channels, NaN) still need a stable key.
			b = fmt.Appendf(nil, "%v", params)
		}
		_, _ = d.Write(b)
	}
	return fmt.Sprintf("%016x", d.Sum64())
}
