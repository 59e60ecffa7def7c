package syncer

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Adi-21/metrikprotocol/invoice"
)

// Statistics is a pure derivation over the cache for one owner and role. It
// is recomputed on every call and holds no storage of its own.
type Statistics struct {
	TotalMinted   int
	TotalBurned   int
	TotalActive   int
	TotalVerified int
	TotalCredit   *big.Int
}

// ComputeStats aggregates the cached entities where owner occupies role.
func ComputeStats(cache *Cache, owner common.Address, role invoice.Role) Statistics {
	stats := Statistics{TotalCredit: new(big.Int)}
	for _, entity := range cache.AllByOwner(owner, role) {
		stats.TotalMinted++
		if entity.Burned {
			stats.TotalBurned++
		}
		if entity.Verified {
			stats.TotalVerified++
		}
		if entity.CreditAmount != nil {
			stats.TotalCredit.Add(stats.TotalCredit, entity.CreditAmount)
		}
	}
	stats.TotalActive = stats.TotalMinted - stats.TotalBurned
	return stats
}
