package pool

// SwarmSnapshot is a point-in-time, read-only view of one swarm's
// counters, used by package adminhttp's introspection endpoint.
type SwarmSnapshot struct {
	InfoHash      string  `json:"info_hash"`
	NumQueued     int     `json:"num_queued"`
	NumConns      int     `json:"num_conns"`
	NumPeers      int     `json:"num_peers"`
	DownloadSpeed float64 `json:"download_speed"`
	UploadSpeed   float64 `json:"upload_speed"`
	Ratio         float64 `json:"ratio"`
}

// PoolSnapshot is a point-in-time view of one pool: its port and every
// swarm registered on it.
type PoolSnapshot struct {
	Port   int             `json:"port"`
	Swarms []SwarmSnapshot `json:"swarms"`
}

// Snapshot returns a read-only view of this pool's port and swarms.
func (p *Pool) Snapshot() PoolSnapshot {
	p.mu.Lock()
	port := p.port
	p.mu.Unlock()

	swarms := p.swarms.All()
	out := PoolSnapshot{Port: port, Swarms: make([]SwarmSnapshot, 0, len(swarms))}
	for _, s := range swarms {
		out.Swarms = append(out.Swarms, SwarmSnapshot{
			InfoHash:      s.InfoHash().HexString(),
			NumQueued:     s.NumQueued(),
			NumConns:      s.NumConns(),
			NumPeers:      s.NumPeers(),
			DownloadSpeed: s.DownloadSpeed(),
			UploadSpeed:   s.UploadSpeed(),
			Ratio:         s.Ratio(),
		})
	}
	return out
}

// Snapshot returns a read-only view of every pool this Manager owns.
func (m *Manager) Snapshot() []PoolSnapshot {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	out := make([]PoolSnapshot, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Snapshot())
	}
	return out
}
