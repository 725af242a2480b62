package pagination

import (
	"errors"
	"net/http"
	"net/url"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	params, err := Parse(url.Values{}, Options{})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.Limit != DefaultLimit {
		t.Fatalf("expected default limit %d got %d", DefaultLimit, params.Limit)
	}
	if params.Offset != 0 {
		t.Fatalf("expected zero offset got %d", params.Offset)
	}
}

func TestParseClampsLimit(t *testing.T) {
	params, err := Parse(url.Values{"limit": {"500"}, "offset": {"40"}}, Options{})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.Limit != DefaultMaxLimit {
		t.Fatalf("expected limit clamped to %d got %d", DefaultMaxLimit, params.Limit)
	}
	if params.Offset != 40 {
		t.Fatalf("expected offset 40 got %d", params.Offset)
	}
}

func TestParseRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		values url.Values
		want   error
	}{
		{name: "non numeric limit", values: url.Values{"limit": {"abc"}}, want: ErrInvalidLimit},
		{name: "zero limit", values: url.Values{"limit": {"0"}}, want: ErrInvalidLimit},
		{name: "negative offset", values: url.Values{"offset": {"-1"}}, want: ErrInvalidOffset},
		{name: "non numeric offset", values: url.Values{"offset": {"x"}}, want: ErrInvalidOffset},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.values, Options{})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v got %v", tc.want, err)
			}
		})
	}
}

func TestWindow(t *testing.T) {
	cases := []struct {
		params     Params
		total      int
		start, end int
	}{
		{Params{Limit: 20}, 5, 0, 5},
		{Params{Limit: 2, Offset: 1}, 5, 1, 3},
		{Params{Limit: 2, Offset: 4}, 5, 4, 5},
		{Params{Limit: 2, Offset: 9}, 5, 5, 5},
		{Params{Limit: 2}, 0, 0, 0},
	}
	for _, tc := range cases {
		start, end := tc.params.Window(tc.total)
		if start != tc.start || end != tc.end {
			t.Fatalf("Window(%+v, %d) = [%d,%d) want [%d,%d)", tc.params, tc.total, start, end, tc.start, tc.end)
		}
	}
}

func TestFromRequest(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "/v1/products/search?limit=5&offset=10", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	params, err := FromRequest(req, Options{DefaultLimit: 10, MaxLimit: 50})
	if err != nil {
		t.Fatalf("FromRequest returned error: %v", err)
	}
	if params.Limit != 5 || params.Offset != 10 {
		t.Fatalf("unexpected params %+v", params)
	}
}
