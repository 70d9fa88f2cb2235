package scoring

import (
	"fmt"
	"math"

	"github.com/fraudlab/ringtrace/internal/models"
)

// Neighborhood is the evidence a single account is scored on. It is derived
// from the subgraph accumulated so far, never fetched live, so scoring stays
// pure and replayable.
type Neighborhood struct {
	AccountID string

	// HopDistance is the hop at which the account was discovered; the
	// suspect itself is hop 0.
	HopDistance int

	// FlaggedDeviceSharers counts distinct ring-flagged accounts that share
	// at least one device with this account.
	FlaggedDeviceSharers int

	// FlaggedIPSharers counts distinct ring-flagged accounts sharing an IP.
	FlaggedIPSharers int

	// FlaggedTxPartners counts distinct ring-flagged accounts this account
	// transacts with.
	FlaggedTxPartners int

	VPNUser      bool
	EmulatorUser bool
}

// Signal is one independent weighted risk indicator. Signals are evaluated
// in declaration order so the reason list is stable across runs.
type Signal struct {
	Code     string
	Weight   float64
	Value    func(n Neighborhood) float64
	Describe func(n Neighborhood) string
}

func defaultSignals() []Signal {
	return []Signal{
		{
			Code:   "SHARED_DEVICE_RING",
			Weight: 0.50,
			Value: func(n Neighborhood) float64 {
				// Sharing a device with even one flagged account is the
				// strongest ring indicator there is.
				return clamp01(float64(n.FlaggedDeviceSharers))
			},
			Describe: func(n Neighborhood) string {
				return fmt.Sprintf("shares devices with %d ring-flagged account(s)", n.FlaggedDeviceSharers)
			},
		},
		{
			Code:   "SHARED_IP_RING",
			Weight: 0.20,
			Value: func(n Neighborhood) float64 {
				// IPs are weaker evidence than devices: NATs and public
				// networks produce benign overlap.
				return clamp01(float64(n.FlaggedIPSharers) / 2)
			},
			Describe: func(n Neighborhood) string {
				return fmt.Sprintf("shares IP addresses with %d ring-flagged account(s)", n.FlaggedIPSharers)
			},
		},
		{
			Code:   "FLAGGED_TX_VELOCITY",
			Weight: 0.15,
			Value: func(n Neighborhood) float64 {
				return clamp01(float64(n.FlaggedTxPartners) / 3)
			},
			Describe: func(n Neighborhood) string {
				return fmt.Sprintf("transacts with %d ring-flagged account(s)", n.FlaggedTxPartners)
			},
		},
		{
			Code:   "SUSPECT_PROXIMITY",
			Weight: 0.15,
			Value: func(n Neighborhood) float64 {
				if n.HopDistance <= 0 {
					return 1
				}
				return 1 / float64(n.HopDistance)
			},
			Describe: func(n Neighborhood) string {
				return fmt.Sprintf("discovered %d hop(s) from the suspect", n.HopDistance)
			},
		},
		{
			Code:   "VPN_USAGE",
			Weight: 0.10,
			Value: func(n Neighborhood) float64 {
				if n.VPNUser {
					return 1
				}
				return 0
			},
			Describe: func(n Neighborhood) string {
				return "uses VPN or proxy IP addresses"
			},
		},
		{
			Code:   "EMULATOR_USAGE",
			Weight: 0.10,
			Value: func(n Neighborhood) float64 {
				if n.EmulatorUser {
					return 1
				}
				return 0
			},
			Describe: func(n Neighborhood) string {
				return "uses emulator or automation tooling"
			},
		},
	}
}

// Scorer computes fraud risk scores from graph neighborhoods. Identical
// neighborhoods always yield identical scores and reason ordering.
type Scorer struct {
	signals []Signal
}

func New() *Scorer {
	return &Scorer{signals: defaultSignals()}
}

// Score evaluates every signal against the neighborhood and returns the
// clamped weighted sum with ordered reason codes.
func (s *Scorer) Score(n Neighborhood) models.AccountScore {
	total := 0.0
	var reasons []models.ScoreReason

	for _, sig := range s.signals {
		contribution := sig.Weight * sig.Value(n)
		if contribution <= 0 {
			continue
		}
		total += contribution
		reasons = append(reasons, models.ScoreReason{
			Code:        sig.Code,
			Weight:      round3(contribution),
			Description: sig.Describe(n),
		})
	}

	score := round3(clamp01(total))

	if len(reasons) == 0 {
		reasons = []models.ScoreReason{{
			Code:        "NO_RISK_INDICATORS",
			Weight:      0,
			Description: "no significant risk indicators detected",
		}}
	}

	return models.AccountScore{
		AccountID: n.AccountID,
		Score:     score,
		Bucket:    models.BucketForScore(score),
		Reasons:   reasons,
		Evidence: models.ScoreEvidence{
			SharedDeviceAccounts: n.FlaggedDeviceSharers,
			SharedIPAccounts:     n.FlaggedIPSharers,
			FlaggedTxCount:       n.FlaggedTxPartners,
			HopDistance:          n.HopDistance,
			VPNUser:              n.VPNUser,
			EmulatorUser:         n.EmulatorUser,
		},
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
