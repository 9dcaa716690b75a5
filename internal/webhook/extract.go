package webhook

import "strconv"

var (
	jobIDKeys     = []string{"jobId", "job_id", "id"}
	eventTypeKeys = []string{"event", "type", "action"}
)

// extractFields pulls the vendor's job id, status, and event type out of an
// arbitrary payload shape. Every field is best-effort; the raw payload is
// stored regardless, so a miss here loses nothing.
func extractFields(doc map[string]interface{}) (jobID, status, eventType string) {
	jobID = firstScalar(doc, jobIDKeys)
	if jobID == "" {
		if data, ok := doc["data"].(map[string]interface{}); ok {
			jobID = firstScalar(data, jobIDKeys)
		}
	}

	switch v := doc["status"].(type) {
	case map[string]interface{}:
		status = firstScalar(v, []string{"text", "state", "message"})
	case string, float64:
		status, _ = scalarString(v)
	default:
		if data, ok := doc["data"].(map[string]interface{}); ok {
			if s, ok := scalarString(data["status"]); ok {
				status = s
			}
		}
	}

	for _, k := range eventTypeKeys {
		if s, ok := doc[k].(string); ok && s != "" {
			eventType = s
			break
		}
	}
	return jobID, status, eventType
}

func firstScalar(doc map[string]interface{}, keys []string) string {
	for _, k := range keys {
		if s, ok := scalarString(doc[k]); ok && s != "" {
			return s
		}
	}
	return ""
}

func scalarString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	}
	return "", false
}
