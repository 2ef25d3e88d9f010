package feed

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

type dataFeedJSON struct {
	FeedID     uint32        `json:"feedId"`
	SignerID   uint32        `json:"signerId"`
	LastUpdate uint64        `json:"lastUpdate"`
	Value      string        `json:"value"`
	Decimal    uint8         `json:"decimal"`
	MsgHash    hexutil.Bytes `json:"msgHash"`
}

type packedDataFeedJSON struct {
	FeedID     uint32        `json:"feedId"`
	SignerID   uint32        `json:"signerId"`
	LastUpdate uint64        `json:"lastUpdate"`
	Value      hexutil.Bytes `json:"value"`
	Decimal    uint8         `json:"decimal"`
	MsgHash    hexutil.Bytes `json:"msgHash"`
}

// MarshalJSON renders the value as a decimal string so int256 readings
// survive JSON number precision limits.
func (d DataFeed) MarshalJSON() ([]byte, error) {
	return json.Marshal(dataFeedJSON{
		FeedID:     d.FeedID,
		SignerID:   d.SignerID,
		LastUpdate: d.LastUpdate,
		Value:      d.IntValue().String(),
		Decimal:    d.Decimal,
		MsgHash:    d.MsgHash,
	})
}

func (d *DataFeed) UnmarshalJSON(data []byte) error {
	var raw dataFeedJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	value := new(big.Int)
	if raw.Value != "" {
		if _, ok := value.SetString(raw.Value, 0); !ok {
			return fmt.Errorf("%w: value %q", ErrInvalidRecord, raw.Value)
		}
	}
	*d = DataFeed{
		FeedID:     raw.FeedID,
		SignerID:   raw.SignerID,
		LastUpdate: raw.LastUpdate,
		Value:      value,
		Decimal:    raw.Decimal,
		MsgHash:    raw.MsgHash,
	}
	return nil
}

func (p PackedDataFeed) MarshalJSON() ([]byte, error) {
	return json.Marshal(packedDataFeedJSON{
		FeedID:     p.FeedID,
		SignerID:   p.SignerID,
		LastUpdate: p.LastUpdate,
		Value:      p.Value,
		Decimal:    p.Decimal,
		MsgHash:    p.MsgHash,
	})
}

func (p *PackedDataFeed) UnmarshalJSON(data []byte) error {
	var raw packedDataFeedJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = PackedDataFeed{
		FeedID:     raw.FeedID,
		SignerID:   raw.SignerID,
		LastUpdate: raw.LastUpdate,
		Value:      raw.Value,
		Decimal:    raw.Decimal,
		MsgHash:    raw.MsgHash,
	}
	return nil
}
