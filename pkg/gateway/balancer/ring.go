package balancer

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"strconv"
)

// DefaultVirtualNodes is how many ring points each server contributes.
const DefaultVirtualNodes = 150

// hashRing is an immutable consistent-hash ring. Each server contributes V
// virtual nodes hashed from "id:i"; a lookup walks clockwise from the key's
// position to the first allowed server.
type hashRing struct {
	points []ringPoint
}

type ringPoint struct {
	hash   uint64
	server *Server
}

func newHashRing(servers []*Server, vnodes int) *hashRing {
	if vnodes <= 0 {
		vnodes = DefaultVirtualNodes
	}
	points := make([]ringPoint, 0, len(servers)*vnodes)
	for _, s := range servers {
		for i := 0; i < vnodes; i++ {
			points = append(points, ringPoint{
				hash:   ringHash(s.ID + ":" + strconv.Itoa(i)),
				server: s,
			})
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].hash < points[j].hash })
	return &hashRing{points: points}
}

func (r *hashRing) empty() bool { return len(r.points) == 0 }

// lookup returns the first allowed server at or after the key's position,
// wrapping around at most once.
func (r *hashRing) lookup(key string, allowed map[string]struct{}) *Server {
	if len(r.points) == 0 {
		return nil
	}
	h := ringHash(key)
	start := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	for i := 0; i < len(r.points); i++ {
		p := r.points[(start+i)%len(r.points)]
		if _, ok := allowed[p.server.ID]; ok {
			return p.server
		}
	}
	return nil
}

func ringHash(key string) uint64 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint64(sum[:8])
}
