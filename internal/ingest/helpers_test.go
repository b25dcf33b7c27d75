package ingest

import (
	"encoding/json"
	"strconv"
)

func itoa(i int64) string { return strconv.FormatInt(i, 10) }

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func jsonUnmarshal(s string, v any) error { return json.Unmarshal([]byte(s), v) }
