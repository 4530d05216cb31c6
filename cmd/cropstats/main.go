// cmd/cropstats prints a crop efficiency report (exp/min and coin/min for the
// one land quality chosen with -quality) from the configured crop table.
// It is the operator-facing successor to the teacher's gen-crop-yield tool,
// rebuilt against config.Registry and domain's pure calc functions instead
// of reparsing raw gameConfig JSON.
//
// Usage: go run ./cmd/cropstats -dir data/config
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"farmengine/internal/config"
	"farmengine/internal/domain"
)

type row struct {
	id            string
	name          string
	requiredLevel int
	growTimeSec   int64
	expPerMin     float64
	coinPerMin    float64
}

func main() {
	dir := flag.String("dir", "data/config", "directory containing the default config tables")
	quality := flag.String("quality", "gold", "land quality to compute bonuses for (normal, red, black, gold)")
	flag.Parse()

	defaults := config.LoadTablesFromDir(*dir)
	cfg, err := config.New(defaults, config.Tables{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "cropstats: failed to load config from %s: %v\n", *dir, err)
		os.Exit(1)
	}

	mod := cfg.QualityModifiers(domain.NormalizeQuality(*quality))

	var rows []row
	for id, crop := range cfg.Crops() {
		growMs := domain.GrowTime(crop.GrowTimeSec*1000, mod)
		growSec := growMs / 1000
		exp := domain.CropExp(crop.Experience, mod)
		yieldQty := domain.YieldQty(crop.BaseYield, mod, false, 0)
		coinValue := int64(yieldQty) * crop.BasePrice

		minutes := float64(growSec) / 60
		if minutes <= 0 {
			continue
		}
		rows = append(rows, row{
			id:            id,
			name:          crop.Name,
			requiredLevel: crop.RequiredLevel,
			growTimeSec:   growSec,
			expPerMin:     float64(exp) / minutes,
			coinPerMin:    float64(coinValue) / minutes,
		})
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].expPerMin > rows[j].expPerMin })

	fmt.Printf("%-16s %-20s %6s %10s %10s %10s\n", "id", "name", "lvl", "growSec", "exp/min", "coin/min")
	for _, r := range rows {
		fmt.Printf("%-16s %-20s %6d %10d %10.2f %10.2f\n",
			r.id, r.name, r.requiredLevel, r.growTimeSec, r.expPerMin, r.coinPerMin)
	}
}
