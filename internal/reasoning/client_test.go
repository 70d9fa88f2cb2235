package reasoning

import (
	"reflect"
	"testing"

	"github.com/fraudlab/ringtrace/internal/models"
)

func TestParseAdvice(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    *Advice
		wantErr bool
	}{
		{
			name: "bare json",
			raw:  `{"continue": true, "rationale": "two high-risk candidates remain"}`,
			want: &Advice{Continue: true, Rationale: "two high-risk candidates remain"},
		},
		{
			name: "fenced json",
			raw: "```json\n{\"continue\": false, \"rationale\": \"last hop yielded nothing\"}\n```",
			want: &Advice{Continue: false, Rationale: "last hop yielded nothing"},
		},
		{
			name: "prose around the object",
			raw:  "Based on the evidence:\n{\"continue\": true, \"rationale\": \"ring still growing\"}\nLet me know if you need more.",
			want: &Advice{Continue: true, Rationale: "ring still growing"},
		},
		{
			name: "edge type narrowing",
			raw:  `{"continue": true, "rationale": "device links dominate", "edge_types": ["USES_DEVICE", "TRANSACTS"]}`,
			want: &Advice{
				Continue:  true,
				Rationale: "device links dominate",
				EdgeTypes: []models.EdgeType{models.EdgeUsesDevice, models.EdgeTransacts},
			},
		},
		{
			name: "unknown edge types dropped",
			raw:  `{"continue": true, "rationale": "x", "edge_types": ["USES_DEVICE", "KNOWS", "USES_DEVICE"]}`,
			want: &Advice{
				Continue:  true,
				Rationale: "x",
				EdgeTypes: []models.EdgeType{models.EdgeUsesDevice},
			},
		},
		{
			name: "missing rationale gets placeholder",
			raw:  `{"continue": false}`,
			want: &Advice{Continue: false, Rationale: "no rationale provided"},
		},
		{
			name:    "no json at all",
			raw:     "I think you should keep going.",
			wantErr: true,
		},
		{
			name:    "malformed json",
			raw:     `{"continue": maybe}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAdvice(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseAdvice(%q) = %+v, want error", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseAdvice(%q) error: %v", tt.raw, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseAdvice(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}
