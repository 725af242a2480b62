package textutil

import (
	"reflect"
	"testing"
)

func TestNormalizeStringMap(t *testing.T) {
	t.Run("trims keys and values", func(t *testing.T) {
		input := map[string]string{
			" secret_key ": " sk_test_123 ",
			"account_id":   " acct_1 ",
			"empty":        " ",
			" ":            "ignored",
		}
		expected := map[string]string{
			"secret_key": "sk_test_123",
			"account_id": "acct_1",
		}
		actual := NormalizeStringMap(input)
		if !reflect.DeepEqual(actual, expected) {
			t.Fatalf("expected %#v got %#v", expected, actual)
		}
	})

	t.Run("returns nil when nothing survives", func(t *testing.T) {
		if got := NormalizeStringMap(map[string]string{" ": " "}); got != nil {
			t.Fatalf("expected nil, got %#v", got)
		}
		if got := NormalizeStringMap(nil); got != nil {
			t.Fatalf("expected nil, got %#v", got)
		}
	})
}

func TestContainsFold(t *testing.T) {
	cases := []struct {
		needle    string
		haystacks []string
		want      bool
	}{
		{"joggers", []string{"Organic Cotton JOGGERS"}, true},
		{"JOG", []string{"", "Slim joggers"}, true},
		{"hoodie", []string{"Joggers", "soft fleece"}, false},
		{"  ", []string{"anything"}, true},
	}
	for _, tc := range cases {
		if got := ContainsFold(tc.needle, tc.haystacks...); got != tc.want {
			t.Fatalf("ContainsFold(%q, %q) = %v want %v", tc.needle, tc.haystacks, got, tc.want)
		}
	}
}
