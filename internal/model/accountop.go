package model

// Call is one contract interaction inside an AccountOp. Value is a decimal
// wei amount and Data is 0x-prefixed hex call data.
type Call struct {
	To    string `json:"to"`
	Value string `json:"value"`
	Data  string `json:"data"`
}

// AccountOp is a not-yet-confirmed operation of an account on one network.
type AccountOp struct {
	AccountAddr string `json:"accountAddr"`
	ChainID     int64  `json:"chainId"`
	Nonce       uint64 `json:"nonce"`
	Calls       []Call `json:"calls"`
	Signature   string `json:"signature,omitempty"`
	GasLimit    uint64 `json:"gasLimit,omitempty"`
	GasFeeToken string `json:"gasFeeToken,omitempty"`
}

// AccountOnchainState is the on-chain account context a simulation runs
// against.
type AccountOnchainState struct {
	Nonce      uint64 `json:"nonce"`
	IsDeployed bool   `json:"isDeployed"`
}

// Simulation holds pending operations per chain ID.
type Simulation struct {
	AccountOps    map[int64][]AccountOp         `json:"accountOps"`
	OnchainStates map[int64]AccountOnchainState `json:"onchainStates,omitempty"`
}

// Ops returns the pending operations for chainID, if any.
func (s *Simulation) Ops(chainID int64) []AccountOp {
	if s == nil {
		return nil
	}
	return s.AccountOps[chainID]
}

func (s *Simulation) State(chainID int64) *AccountOnchainState {
	if s == nil {
		return nil
	}
	state, ok := s.OnchainStates[chainID]
	if !ok {
		return nil
	}
	return &state
}

func CloneAccountOps(ops []AccountOp) []AccountOp {
	if ops == nil {
		return nil
	}
	out := make([]AccountOp, len(ops))
	for i, op := range ops {
		op.Calls = append([]Call(nil), op.Calls...)
		out[i] = op
	}
	return out
}
