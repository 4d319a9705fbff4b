package realtime

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// subscriptionFromQuery reads ?botsOnly=true&minScore=50&reason=A,B&identifier=x.
func subscriptionFromQuery(r *http.Request) (Subscription, error) {
	q := r.URL.Query()
	var sub Subscription

	if v := q.Get("botsOnly"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return sub, fmt.Errorf("botsOnly must be a boolean")
		}
		sub.BotsOnly = b
	}
	if v := q.Get("minScore"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return sub, fmt.Errorf("minScore must be a non-negative integer")
		}
		sub.MinScore = n
	}
	sub.ReasonCodes = splitList(q["reason"])
	sub.Identifiers = splitList(q["identifier"])
	return sub, nil
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
