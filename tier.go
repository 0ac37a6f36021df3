package scratch

// Tier identifies a class of scratch memory. The set of tiers is fixed: level 0 is small,
// low-latency, team-local memory and level 1 is the larger bulk backing store.
type Tier int

const (
	// TierFast is level 0 scratch: small and low-latency
	TierFast Tier = iota
	// TierBulk is level 1 scratch: orders of magnitude larger, higher latency
	TierBulk
)

// TierCount is the number of scratch tiers
const TierCount int = 2

// Tiers lists every tier in level order
var Tiers = [TierCount]Tier{TierFast, TierBulk}

var tierMapping = map[Tier]string{
	TierFast: "TierFast",
	TierBulk: "TierBulk",
}

func (t Tier) String() string {
	str, ok := tierMapping[t]
	if !ok {
		return "unknown Tier"
	}

	return str
}

func (t Tier) Valid() bool {
	return t >= 0 && int(t) < TierCount
}
