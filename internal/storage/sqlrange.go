package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// placeholder renders the n-th (1-based) bind parameter of a SQL dialect.
type placeholder func(n int) string

func questionMark(int) string { return "?" }

func dollar(n int) string { return "$" + strconv.Itoa(n) }

// rangeSQL builds a keyset-paginated range query over a table keyed by
// (device_uid, timestamp). It selects one row more than the page size so the
// caller can tell whether another page exists. filterCol may be empty.
func rangeSQL(ph placeholder, table, cols, tsCol, filterCol string, q RangeQuery) (string, []any, int, error) {
	var conditions []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return ph(len(args))
	}

	conditions = append(conditions, "device_uid = "+arg(q.DeviceUID))
	if q.Start != 0 {
		conditions = append(conditions, fmt.Sprintf("%s >= %s", tsCol, arg(q.Start)))
	}
	if q.End != 0 {
		conditions = append(conditions, fmt.Sprintf("%s <= %s", tsCol, arg(q.End)))
	}
	if filterCol != "" && q.Filter.Present {
		conditions = append(conditions, fmt.Sprintf("%s = %s", filterCol, arg(q.Filter.Value)))
	}

	direction := "ASC"
	if q.Descending {
		direction = "DESC"
	}
	if q.Cursor != "" {
		after, err := strconv.ParseInt(q.Cursor, 10, 64)
		if err != nil {
			return "", nil, 0, fmt.Errorf("invalid cursor %q: %w", q.Cursor, err)
		}
		op := ">"
		if q.Descending {
			op = "<"
		}
		conditions = append(conditions, fmt.Sprintf("%s %s %s", tsCol, op, arg(after)))
	}

	size := pageSize(q)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s %s LIMIT %d",
		cols, table, strings.Join(conditions, " AND "), tsCol, direction, size+1)
	return query, args, size, nil
}

// finishPage trims the look-ahead row and sets the cursor.
func finishPage[T Timestamped](items []T, size int) Page[T] {
	if items == nil {
		items = []T{}
	}
	if len(items) <= size {
		return Page[T]{Items: items}
	}
	items = items[:size]
	return Page[T]{Items: items, Cursor: strconv.FormatInt(items[len(items)-1].At(), 10)}
}

// encodeRoute stores a route as a GeoJSON LineString. Empty routes encode to "".
func encodeRoute(ls orb.LineString) (string, error) {
	if len(ls) == 0 {
		return "", nil
	}
	b, err := geojson.NewGeometry(ls).MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("encode route: %w", err)
	}
	return string(b), nil
}

func decodeRoute(s string) (orb.LineString, error) {
	if s == "" {
		return nil, nil
	}
	g, err := geojson.UnmarshalGeometry([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("decode route: %w", err)
	}
	ls, ok := g.Geometry().(orb.LineString)
	if !ok {
		return nil, fmt.Errorf("decode route: geometry is %s", g.Type)
	}
	return ls, nil
}
