package digest

import (
	"encoding/json"
	"fmt"
	"time"
)

func buildEvent(name, id string, at time.Time) []byte {
	payload := map[string]any{
		"id": id,
		"at": at.UTC().Format(time.RFC3339),
	}
	data, _ := json.Marshal(payload)
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", name, data))
}
