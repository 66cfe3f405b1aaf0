package sharding

import (
	"hash/fnv"
	"strconv"
)

// Lane assigns a key to one of n worker lanes. Events for the same aggregate
// always land on the same lane, which keeps their relative order.
func Lane(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// LaneID formats a lane index for logs and metric labels.
func LaneID(lane int) string {
	return "lane-" + strconv.Itoa(lane)
}
