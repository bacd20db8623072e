package types

// PendingHeight is the block height reported for transactions still in the mempool.
const PendingHeight int64 = -1

// Tx is the normalized transaction record served by the gateway
type Tx struct {
	TxID          string `json:"txid"`
	BlockHash     string `json:"blockHash,omitempty"`
	BlockHeight   int64  `json:"blockHeight"`
	Timestamp     int64  `json:"timestamp"`
	Status        int    `json:"status"`
	From          string `json:"from"`
	To            string `json:"to"`
	Confirmations int64  `json:"confirmations"`
	Value         string `json:"value"`
	Fee           string `json:"fee"`
	GasLimit      string `json:"gasLimit"`
	GasUsed       string `json:"gasUsed,omitempty"`
	GasPrice      string `json:"gasPrice"`
	Nonce         int64  `json:"nonce"`
	InputData     string `json:"inputData,omitempty"`

	TokenTransfers []TokenTransfer `json:"tokenTransfers,omitempty"`

	// InternalTransfers holds value-bearing internal calls, when known
	InternalTransfers []InternalTransfer `json:"internalTransfers,omitempty"`
}

// Pending reports whether the transaction is still unconfirmed.
func (t *Tx) Pending() bool {
	return t.BlockHeight == PendingHeight
}

// Confirmed reports whether the transaction is in a block.
func (t *Tx) Confirmed() bool {
	return t.BlockHeight > 0 && t.Confirmations > 0
}

// TokenTransfer is an ERC20/721/1155 transfer emitted by a transaction
type TokenTransfer struct {
	Type     string `json:"type"`
	From     string `json:"from"`
	To       string `json:"to"`
	Contract string `json:"contract"`
	Name     string `json:"name,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
	Decimals int    `json:"decimals"`
	Value    string `json:"value"`
	ID       string `json:"id,omitempty"`
}

// InternalTransfer is a value transfer made by a contract call inside a transaction
type InternalTransfer struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Value string `json:"value"`
	Type  string `json:"type,omitempty"`
}

// InternalTxs groups the internal transfers of one transaction
type InternalTxs struct {
	TxID        string
	BlockHeight int64
	Timestamp   int64
	Transfers   []InternalTransfer
}

// TxHistory is one page of an account's transaction history
type TxHistory struct {
	Pubkey string `json:"pubkey"`
	Cursor string `json:"cursor,omitempty"`
	Txs    []Tx   `json:"txs"`
}

// Account is the balance summary of an address
type Account struct {
	Pubkey             string `json:"pubkey"`
	Balance            string `json:"balance"`
	UnconfirmedBalance string `json:"unconfirmedBalance"`
	Nonce              int64  `json:"nonce"`
}

// NewBlock is the upstream new block notification
type NewBlock struct {
	Height int64  `json:"height"`
	Hash   string `json:"hash"`
}

// TxPage is one page of transactions from the indexer, newest first
type TxPage struct {
	Txs     []Tx
	HasMore bool
}

// InternalTxPage is one page of internal transfers from the explorer, newest first
type InternalTxPage struct {
	Txs     []InternalTxs
	HasMore bool
}

// Fees is one fee tier. MaxFeePerGas is empty on chains without a base fee.
type Fees struct {
	GasPrice             string `json:"gasPrice"`
	MaxFeePerGas         string `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
}

// GasFees is the fee estimate served by the gas oracle
type GasFees struct {
	BaseFeePerGas string `json:"baseFeePerGas,omitempty"`
	Slow          Fees   `json:"slow"`
	Average       Fees   `json:"average"`
	Fast          Fees   `json:"fast"`
}
