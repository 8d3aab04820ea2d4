package worker

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// reportFile is where agents write their final report, relative to the
// audit directory.
const reportFile = "submission/audit.md"

var fencedJSON = regexp.MustCompile("(?s)```json\\s*(.*?)```")

// ReadReport returns the report text for the run: the submission file when
// the agent wrote one, otherwise the captured stdout. A fenced json block
// is unwrapped so only the payload travels to the result service.
func ReadReport(dir, stdout string) string {
	raw := stdout
	if data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(reportFile))); err == nil && len(data) > 0 {
		raw = string(data)
	}
	return ExtractJSONBlock(raw)
}

// ExtractJSONBlock returns the contents of the first ```json fence, or the
// input unchanged when there is none.
func ExtractJSONBlock(raw string) string {
	if m := fencedJSON.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(raw)
}
