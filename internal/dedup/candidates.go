package dedup

import (
	"github.com/matijazezelj/ail/pkg/models"
)

// Asset is one entry in the comparison pool: an asset UUID plus its
// latest normalized payload.
type Asset struct {
	AssetUUID  string
	Normalized map[string]any
}

// Draft is a scored pair that cleared the threshold, canonically ordered
// with AssetUUIDA < AssetUUIDB.
type Draft struct {
	AssetUUIDA string
	AssetUUIDB string
	Score      int
	Matches    []Match
}

type index struct {
	members map[string][]string
	seen    map[string]map[string]bool
}

func newIndex() *index {
	return &index{members: make(map[string][]string), seen: make(map[string]map[string]bool)}
}

func (ix *index) add(key, assetUUID string) {
	if key == "" {
		return
	}
	if ix.seen[key] == nil {
		ix.seen[key] = make(map[string]bool)
	}
	if ix.seen[key][assetUUID] {
		return
	}
	ix.seen[key][assetUUID] = true
	ix.members[key] = append(ix.members[key], assetUUID)
}

func (ix *index) get(key string) []string {
	return ix.members[key]
}

// Generate builds inverted indices over the pool, probes them with the
// assets touched by the run, and scores each distinct pair once. Pairs
// scoring below the threshold are discarded. Output order is
// deterministic: run-asset order, then index hit order.
func Generate(assetType models.AssetType, runAssets, pool []Asset) []Draft {
	normalizedByUUID := make(map[string]map[string]any, len(pool))
	for _, item := range pool {
		normalizedByUUID[item.AssetUUID] = item.Normalized
	}

	machineUUIDIndex := newIndex()
	macIndex := newIndex()
	hostnameIPIndex := newIndex()
	serialIndex := newIndex()
	bmcIPIndex := newIndex()
	mgmtIPIndex := newIndex()

	for _, item := range pool {
		n := item.Normalized

		if assetType == models.AssetVM {
			machineUUIDIndex.add(normalizeUUID(getNested(n, "identity", "machine_uuid")), item.AssetUUID)

			for _, mac := range normalizeMACs(getNested(n, "network", "mac_addresses")) {
				macIndex.add(mac, item.AssetUUID)
			}

			if hostname := normalizeHostname(getNested(n, "identity", "hostname")); hostname != "" {
				for _, ip := range normalizeIPs(getNested(n, "network", "ip_addresses")) {
					hostnameIPIndex.add(hostname+"|"+ip, item.AssetUUID)
				}
			}
		}

		if assetType == models.AssetHost {
			serialIndex.add(normalizeSerial(getNested(n, "identity", "serial_number")), item.AssetUUID)
			bmcIPIndex.add(normalizeIP(getNested(n, "network", "bmc_ip")), item.AssetUUID)
			mgmtIPIndex.add(normalizeIP(getNested(n, "network", "management_ip")), item.AssetUUID)
		}
	}

	pairKeys := make(map[string]bool)
	var pairs [][2]string

	collect := func(runAssetUUID string, candidates []string) {
		for _, other := range candidates {
			if other == runAssetUUID {
				continue
			}
			a, b := runAssetUUID, other
			if b < a {
				a, b = b, a
			}
			key := a + "|" + b
			if pairKeys[key] {
				continue
			}
			pairKeys[key] = true
			pairs = append(pairs, [2]string{a, b})
		}
	}

	for _, runAsset := range runAssets {
		n := runAsset.Normalized

		if assetType == models.AssetVM {
			if uuid := normalizeUUID(getNested(n, "identity", "machine_uuid")); uuid != "" {
				collect(runAsset.AssetUUID, machineUUIDIndex.get(uuid))
			}
			for _, mac := range normalizeMACs(getNested(n, "network", "mac_addresses")) {
				collect(runAsset.AssetUUID, macIndex.get(mac))
			}
			if hostname := normalizeHostname(getNested(n, "identity", "hostname")); hostname != "" {
				for _, ip := range normalizeIPs(getNested(n, "network", "ip_addresses")) {
					collect(runAsset.AssetUUID, hostnameIPIndex.get(hostname+"|"+ip))
				}
			}
		}

		if assetType == models.AssetHost {
			if sn := normalizeSerial(getNested(n, "identity", "serial_number")); sn != "" {
				collect(runAsset.AssetUUID, serialIndex.get(sn))
			}
			if bmc := normalizeIP(getNested(n, "network", "bmc_ip")); bmc != "" {
				collect(runAsset.AssetUUID, bmcIPIndex.get(bmc))
			}
			if mgmt := normalizeIP(getNested(n, "network", "management_ip")); mgmt != "" {
				collect(runAsset.AssetUUID, mgmtIPIndex.get(mgmt))
			}
		}
	}

	var out []Draft
	for _, pair := range pairs {
		aNorm, okA := normalizedByUUID[pair[0]]
		bNorm, okB := normalizedByUUID[pair[1]]
		if !okA || !okB {
			continue
		}

		score, matches := Score(aNorm, bNorm, assetType)
		if score < ScoreThreshold {
			continue
		}
		out = append(out, Draft{AssetUUIDA: pair[0], AssetUUIDB: pair[1], Score: score, Matches: matches})
	}
	return out
}
