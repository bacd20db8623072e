package indexer

import (
	"github.com/0xmhha/coinstack-go/pkg/types"
)

// ToTx normalizes an indexer transaction
func ToTx(tx *Tx) types.Tx {
	out := types.Tx{
		TxID:          tx.TxID,
		BlockHash:     tx.BlockHash,
		BlockHeight:   tx.BlockHeight,
		Timestamp:     tx.BlockTime,
		Confirmations: tx.Confirmations,
		Value:         tx.Value,
		Fee:           tx.Fees,
	}

	if len(tx.Vin) > 0 && len(tx.Vin[0].Addresses) > 0 {
		out.From = tx.Vin[0].Addresses[0]
	}
	if len(tx.Vout) > 0 && len(tx.Vout[0].Addresses) > 0 {
		out.To = tx.Vout[0].Addresses[0]
	}

	if eth := tx.EthereumSpecific; eth != nil {
		out.Status = eth.Status
		out.Nonce = eth.Nonce
		out.GasLimit = eth.GasLimit.String()
		out.GasUsed = eth.GasUsed.String()
		out.GasPrice = eth.GasPrice
		if eth.Data != "" && eth.Data != "0x" {
			out.InputData = eth.Data
		}
	}

	for _, tt := range tx.TokenTransfers {
		contract := tt.Contract
		if contract == "" {
			contract = tt.Token
		}
		out.TokenTransfers = append(out.TokenTransfers, types.TokenTransfer{
			Type:     tt.Type,
			From:     tt.From,
			To:       tt.To,
			Contract: contract,
			Name:     tt.Name,
			Symbol:   tt.Symbol,
			Decimals: tt.Decimals,
			Value:    tt.Value,
		})
	}

	return out
}

// TxAddresses returns every address a transaction touches, without duplicates
func TxAddresses(tx *Tx) []string {
	seen := make(map[string]struct{})
	var addresses []string
	add := func(addr string) {
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		addresses = append(addresses, addr)
	}

	for _, vin := range tx.Vin {
		for _, addr := range vin.Addresses {
			add(addr)
		}
	}
	for _, vout := range tx.Vout {
		for _, addr := range vout.Addresses {
			add(addr)
		}
	}
	for _, tt := range tx.TokenTransfers {
		add(tt.From)
		add(tt.To)
	}

	return addresses
}
