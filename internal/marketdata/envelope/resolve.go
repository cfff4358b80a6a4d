package envelope

import (
	"math"
	"strconv"
)

// BookTickerFields is the heuristically-resolved shape of a book-ticker
// payload: bid/ask price and quantity plus an optional send timestamp.
type BookTickerFields struct {
	BidPrice  float64
	BidQty    float64
	AskPrice  float64
	AskQty    float64
	SendTsMs  int64
	Resolved  bool
}

// ResolveBookTicker walks a payload's top-level fields in declaration order
// and assigns the first four numeric-looking fields to bid price, bid qty,
// ask price, ask qty — the wire-format stand-in for matching field names
// against the bidPrice|bid_price alias table, since there are no names to
// match against. The first varint larger than 10^12 is taken as the send
// timestamp.
func ResolveBookTicker(payload []byte) BookTickerFields {
	fields, err := parseFields(payload)
	if err != nil {
		return BookTickerFields{}
	}

	numerics := numericValues(fields)
	if len(numerics) < 4 {
		return BookTickerFields{}
	}

	out := BookTickerFields{
		BidPrice: numerics[0],
		BidQty:   numerics[1],
		AskPrice: numerics[2],
		AskQty:   numerics[3],
		Resolved: true,
	}
	for _, f := range fields {
		if f.wireType == wireVarint && f.varint > 1_000_000_000_000 {
			out.SendTsMs = int64(f.varint)
			break
		}
	}
	return out
}

// TradeFields is the heuristically-resolved shape of a single deals entry.
type TradeFields struct {
	Price        float64
	Qty          float64
	BuyerIsMaker bool
	TsMs         int64
	Resolved     bool
}

// ResolveTrade applies the same positional heuristic to a tape payload:
// first two numerics are price and quantity, a boolean-shaped varint (0 or
// 1) anywhere in the payload is the buyer-maker flag used to infer aggressor
// side (the last such varint wins), and a varint larger than 10^12 is the
// trade timestamp.
func ResolveTrade(payload []byte) TradeFields {
	fields, err := parseFields(payload)
	if err != nil {
		return TradeFields{}
	}

	numerics := numericValues(fields)
	if len(numerics) < 2 {
		return TradeFields{}
	}

	out := TradeFields{Price: numerics[0], Qty: numerics[1], Resolved: true}
	for _, f := range fields {
		if f.wireType == wireVarint {
			if f.varint == 0 || f.varint == 1 {
				out.BuyerIsMaker = f.varint == 1
			} else if f.varint > 1_000_000_000_000 {
				out.TsMs = int64(f.varint)
			}
		}
	}
	return out
}

// ResolveDepthLevels extracts repeated {price, quantity} sub-messages from a
// depth payload. Fields are grouped by their protobuf field number; of the
// field numbers whose first entry decodes as a {price, quantity} pair, the
// two lowest are treated as bids and asks respectively (bids first, per the
// observed exchange convention of listing the buy side before the sell
// side). How often each field number occurs plays no part.
func ResolveDepthLevels(payload []byte) (bids, asks []LevelPair) {
	fields, err := parseFields(payload)
	if err != nil {
		return nil, nil
	}

	grouped := make(map[int][]field)
	for _, f := range fields {
		if f.wireType == wireLengthDelimited {
			grouped[f.number] = append(grouped[f.number], f)
		}
	}

	var fieldNumbers []int
	for num, group := range grouped {
		if len(group) == 0 {
			continue
		}
		if _, _, ok := decodeLevelPair(group[0].bytes); ok {
			fieldNumbers = append(fieldNumbers, num)
		}
	}
	if len(fieldNumbers) == 0 {
		return nil, nil
	}
	sortInts(fieldNumbers)

	decode := func(num int) []LevelPair {
		var out []LevelPair
		for _, f := range grouped[num] {
			if price, qty, ok := decodeLevelPair(f.bytes); ok {
				out = append(out, LevelPair{Price: price, Qty: qty})
			}
		}
		return out
	}

	bids = decode(fieldNumbers[0])
	if len(fieldNumbers) > 1 {
		asks = decode(fieldNumbers[1])
	}
	return bids, asks
}

// LevelPair is a resolved (price, quantity) point inside a depth payload.
type LevelPair struct {
	Price float64
	Qty   float64
}

func decodeLevelPair(sub []byte) (price, qty float64, ok bool) {
	fields, err := parseFields(sub)
	if err != nil {
		return 0, 0, false
	}
	numerics := numericValues(fields)
	if len(numerics) < 2 {
		return 0, 0, false
	}
	return numerics[0], numerics[1], true
}

// numericValues extracts every field that plausibly carries a price/qty
// scalar: a protobuf double (fixed64), or a length-delimited ASCII numeric
// string (common when the .proto declares price fields as strings to avoid
// float precision loss).
func numericValues(fields []field) []float64 {
	var out []float64
	for _, f := range fields {
		switch f.wireType {
		case wireFixed64:
			v := math.Float64frombits(f.fixed64)
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				out = append(out, v)
			}
		case wireLengthDelimited:
			if v, err := strconv.ParseFloat(string(f.bytes), 64); err == nil {
				out = append(out, v)
			}
		}
	}
	return out
}

func sortInts(nums []int) {
	for i := 1; i < len(nums); i++ {
		for j := i; j > 0 && nums[j-1] > nums[j]; j-- {
			nums[j-1], nums[j] = nums[j], nums[j-1]
		}
	}
}
