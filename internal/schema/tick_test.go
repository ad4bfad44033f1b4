package schema

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

func TestParseMode(t *testing.T) {
	cases := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"LTP", ModeLTP, false},
		{"quote", ModeQuote, false},
		{" SnapQuote ", ModeSnapQuote, false},
		{"", 0, true},
		{"DEPTH20", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseMode(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseMode(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParseMode(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
	}
}

func TestTopicKeys(t *testing.T) {
	topic := Topic{Symbol: "RELIANCE", Exchange: "NSE", Mode: ModeQuote}
	if got := topic.Key(); got != "RELIANCE.NSE.QUOTE" {
		t.Fatalf("Key() = %q", got)
	}
	if got := topic.Route(); got != "RELIANCE.NSE" {
		t.Fatalf("Route() = %q", got)
	}

	// Two modes on one instrument are distinct keys.
	ltp := Topic{Symbol: "RELIANCE", Exchange: "NSE", Mode: ModeLTP}
	if ltp.Key() == topic.Key() {
		t.Fatal("modes must produce distinct topic keys")
	}
}

func TestTopicValidate(t *testing.T) {
	valid := Topic{Symbol: "SBIN", Exchange: "NSE", Mode: ModeLTP}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid topic rejected: %v", err)
	}
	for name, topic := range map[string]Topic{
		"empty symbol":   {Exchange: "NSE", Mode: ModeLTP},
		"empty exchange": {Symbol: "SBIN", Mode: ModeLTP},
		"bad mode":       {Symbol: "SBIN", Exchange: "NSE", Mode: 9},
	} {
		if err := topic.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestTickJSONOmitsInternalFields(t *testing.T) {
	tick := Tick{
		Symbol:       "RELIANCE",
		Exchange:     "NSE",
		Mode:         ModeLTP,
		Token:        "2885",
		ExchangeType: 1,
		Sequence:     5,
		LTP:          decimal.New(250000, -2),
	}
	data, err := json.Marshal(&tick)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, hidden := range []string{"Token", "token", "ExchangeType", "exchange_type", "Mode", "mode"} {
		if _, ok := decoded[hidden]; ok {
			t.Errorf("internal field %q leaked into payload", hidden)
		}
	}
	if _, ok := decoded["quote"]; ok {
		t.Error("nil quote block must be omitted")
	}
	if _, ok := decoded["snapquote"]; ok {
		t.Error("nil snapquote block must be omitted")
	}
}
