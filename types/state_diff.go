package types

type StorageEntry struct {
	Key   Felt
	Value Felt
}

type ContractStorageDiff struct {
	Address        Felt
	StorageEntries []StorageEntry
}

type DeployedContract struct {
	Address   Felt
	ClassHash Felt
}

type ReplacedClass struct {
	ContractAddress Felt
	ClassHash       Felt
}

type DeclaredClass struct {
	ClassHash         Felt
	CompiledClassHash Felt
}

type NonceUpdate struct {
	ContractAddress Felt
	Nonce           Felt
}

// StateDiff is the set of contract state changes introduced by a block.
type StateDiff struct {
	StorageDiffs              []ContractStorageDiff
	DeprecatedDeclaredClasses []Felt
	DeclaredClasses           []DeclaredClass
	DeployedContracts         []DeployedContract
	ReplacedClasses           []ReplacedClass
	Nonces                    []NonceUpdate
}

// Len is the number of individual updates in the diff.
func (d *StateDiff) Len() int {
	n := len(d.DeprecatedDeclaredClasses) + len(d.DeclaredClasses) +
		len(d.DeployedContracts) + len(d.ReplacedClasses) + len(d.Nonces)
	for _, sd := range d.StorageDiffs {
		n += len(sd.StorageEntries)
	}
	return n
}

// ClassHashUpdates lists deployed and replaced contracts as
// (address, class hash) pairs. Replacements come last so that they win when
// a contract is deployed and replaced in the same block.
func (d *StateDiff) ClassHashUpdates() []DeployedContract {
	out := make([]DeployedContract, 0, len(d.DeployedContracts)+len(d.ReplacedClasses))
	out = append(out, d.DeployedContracts...)
	for _, r := range d.ReplacedClasses {
		out = append(out, DeployedContract{Address: r.ContractAddress, ClassHash: r.ClassHash})
	}
	return out
}
