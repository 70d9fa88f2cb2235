package scoring

import (
	"reflect"
	"testing"

	"github.com/fraudlab/ringtrace/internal/models"
)

func TestScoreBuckets(t *testing.T) {
	s := New()

	tests := []struct {
		name       string
		n          Neighborhood
		wantScore  float64
		wantBucket models.RiskBucket
	}{
		{
			name: "device sharer with vpn and emulator",
			n: Neighborhood{
				AccountID:            "acct-a2",
				HopDistance:          1,
				FlaggedDeviceSharers: 1,
				VPNUser:              true,
				EmulatorUser:         true,
			},
			wantScore:  0.85,
			wantBucket: models.BucketHigh,
		},
		{
			name: "device sharer transacting with the ring",
			n: Neighborhood{
				AccountID:            "acct-a3",
				HopDistance:          1,
				FlaggedDeviceSharers: 1,
				FlaggedTxPartners:    1,
				VPNUser:              true,
				EmulatorUser:         true,
			},
			wantScore:  0.9,
			wantBucket: models.BucketHigh,
		},
		{
			name: "ip-only overlap stays low",
			n: Neighborhood{
				AccountID:        "acct-cafe",
				HopDistance:      1,
				FlaggedIPSharers: 1,
			},
			wantScore:  0.25,
			wantBucket: models.BucketLow,
		},
		{
			name: "no indicators beyond distance",
			n: Neighborhood{
				AccountID:   "acct-far",
				HopDistance: 3,
			},
			wantScore:  0.05,
			wantBucket: models.BucketLow,
		},
		{
			name: "saturated signals clamp at one",
			n: Neighborhood{
				AccountID:            "acct-hub",
				HopDistance:          1,
				FlaggedDeviceSharers: 4,
				FlaggedIPSharers:     6,
				FlaggedTxPartners:    9,
				VPNUser:              true,
				EmulatorUser:         true,
			},
			wantScore:  1.0,
			wantBucket: models.BucketHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Score(tt.n)
			if got.Score != tt.wantScore {
				t.Errorf("Score() = %v, want %v", got.Score, tt.wantScore)
			}
			if got.Bucket != tt.wantBucket {
				t.Errorf("Bucket = %v, want %v", got.Bucket, tt.wantBucket)
			}
			if got.AccountID != tt.n.AccountID {
				t.Errorf("AccountID = %q, want %q", got.AccountID, tt.n.AccountID)
			}
		})
	}
}

func TestScoreReasonOrderIsStable(t *testing.T) {
	s := New()
	n := Neighborhood{
		AccountID:            "acct-1",
		HopDistance:          2,
		FlaggedDeviceSharers: 1,
		FlaggedIPSharers:     1,
		FlaggedTxPartners:    1,
		VPNUser:              true,
		EmulatorUser:         true,
	}

	first := s.Score(n)

	wantCodes := []string{
		"SHARED_DEVICE_RING",
		"SHARED_IP_RING",
		"FLAGGED_TX_VELOCITY",
		"SUSPECT_PROXIMITY",
		"VPN_USAGE",
		"EMULATOR_USAGE",
	}
	var gotCodes []string
	for _, r := range first.Reasons {
		gotCodes = append(gotCodes, r.Code)
	}
	if !reflect.DeepEqual(gotCodes, wantCodes) {
		t.Fatalf("reason codes = %v, want %v", gotCodes, wantCodes)
	}

	// Repeated scoring of the same neighborhood must be byte-identical.
	for i := 0; i < 5; i++ {
		if got := s.Score(n); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d diverged: %+v vs %+v", i, got, first)
		}
	}
}

func TestScoreNoIndicators(t *testing.T) {
	got := New().Score(Neighborhood{AccountID: "acct-clean"})
	if got.Score != 0.15 {
		// Proximity contributes even at hop zero; the suspect itself
		// scores on its own signals elsewhere.
		t.Errorf("Score() = %v, want 0.15", got.Score)
	}
	if got.Bucket != models.BucketLow {
		t.Errorf("Bucket = %v, want low", got.Bucket)
	}
}

func TestScoreEvidenceMirrorsInputs(t *testing.T) {
	n := Neighborhood{
		AccountID:            "acct-9",
		HopDistance:          2,
		FlaggedDeviceSharers: 2,
		FlaggedIPSharers:     3,
		FlaggedTxPartners:    1,
		VPNUser:              true,
	}
	got := New().Score(n)
	want := models.ScoreEvidence{
		SharedDeviceAccounts: 2,
		SharedIPAccounts:     3,
		FlaggedTxCount:       1,
		HopDistance:          2,
		VPNUser:              true,
	}
	if got.Evidence != want {
		t.Errorf("Evidence = %+v, want %+v", got.Evidence, want)
	}
}
