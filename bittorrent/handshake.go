package bittorrent

// HandshakeOptions is opaque configuration a Swarm passes through to every
// Wire it attaches, unchanged, e.g. supported extension flags. The core
// does not interpret its contents; the external wire codec does.
type HandshakeOptions map[string]any

// Extensions is what a remote peer announced during its handshake, as
// decoded by the external wire codec and handed back to the core.
type Extensions map[string]bool
