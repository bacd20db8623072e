package indexer

import "encoding/json"

// Tx is a transaction as returned by the indexer REST API
type Tx struct {
	TxID             string            `json:"txid"`
	Vin              []Vin             `json:"vin"`
	Vout             []Vout            `json:"vout"`
	BlockHash        string            `json:"blockHash,omitempty"`
	BlockHeight      int64             `json:"blockHeight"`
	Confirmations    int64             `json:"confirmations"`
	BlockTime        int64             `json:"blockTime"`
	Value            string            `json:"value"`
	Fees             string            `json:"fees"`
	TokenTransfers   []TokenTransfer   `json:"tokenTransfers,omitempty"`
	EthereumSpecific *EthereumSpecific `json:"ethereumSpecific,omitempty"`
}

// Vin is a transaction input; for EVM chains it carries the sender
type Vin struct {
	N         int      `json:"n"`
	Addresses []string `json:"addresses"`
	IsAddress bool     `json:"isAddress"`
}

// Vout is a transaction output; for EVM chains it carries the recipient
type Vout struct {
	Value     string   `json:"value"`
	N         int      `json:"n"`
	Addresses []string `json:"addresses"`
	IsAddress bool     `json:"isAddress"`
}

// TokenTransfer is a token transfer as returned by the indexer
type TokenTransfer struct {
	Type     string `json:"type"`
	From     string `json:"from"`
	To       string `json:"to"`
	Contract string `json:"contract"`
	// Token is the contract address on older indexer versions
	Token    string `json:"token"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
	Value    string `json:"value"`
}

// EthereumSpecific holds the EVM fields of a transaction
type EthereumSpecific struct {
	Status   int         `json:"status"`
	Nonce    int64       `json:"nonce"`
	GasLimit json.Number `json:"gasLimit"`
	GasUsed  json.Number `json:"gasUsed"`
	GasPrice string      `json:"gasPrice"`
	Data     string      `json:"data"`
}

// Address is the address (or xpub) summary with an optional page of transactions
type Address struct {
	Page               int      `json:"page"`
	TotalPages         int      `json:"totalPages"`
	ItemsOnPage        int      `json:"itemsOnPage"`
	Address            string   `json:"address"`
	Balance            string   `json:"balance"`
	UnconfirmedBalance string   `json:"unconfirmedBalance"`
	UnconfirmedTxs     int      `json:"unconfirmedTxs"`
	Txs                int      `json:"txs"`
	Nonce              string   `json:"nonce"`
	Transactions       []Tx     `json:"transactions"`
	Txids              []string `json:"txids"`
}

// Block is a block with one page of its transactions
type Block struct {
	Page        int    `json:"page"`
	TotalPages  int    `json:"totalPages"`
	ItemsOnPage int    `json:"itemsOnPage"`
	Hash        string `json:"hash"`
	Height      int64  `json:"height"`
	Time        int64  `json:"time"`
	TxCount     int    `json:"txCount"`
	Txs         []Tx   `json:"txs"`
}

// AddressOptions are the paging and filter parameters of address and xpub queries
type AddressOptions struct {
	Page     int
	PageSize int
	From     *int64
	To       *int64
	// Details is one of basic, tokens, tokenBalances, txids, txslight, txs
	Details string
}

type errorResponse struct {
	Error string `json:"error"`
}
