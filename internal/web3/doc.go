// Package web3 defines the fork node surface used by a spell run: plain
// JSON-RPC reads and unsigned transactions, plus the simulation-only storage
// override, clock warp and snapshot methods. Concrete clients live in
// sub-packages.
package web3
