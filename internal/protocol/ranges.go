package protocol

import (
	"fmt"

	"github.com/and161185/polycentric-server/internal/model"
)

func encodeRange(r model.Range) []byte {
	var b []byte
	b = appendUint(b, 1, r.Low)
	b = appendUint(b, 2, r.High)
	return b
}

func decodeRange(b []byte) (model.Range, error) {
	var r model.Range
	err := walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			r.Low, err = f.uint()
		case 2:
			r.High, err = f.uint()
		}
		return err
	})
	if err != nil {
		return model.Range{}, err
	}
	if r.Low > r.High {
		return model.Range{}, malformed("range [%d,%d] inverted", r.Low, r.High)
	}
	return r, nil
}

// EncodeRangesForProcess serializes one process and its ranges.
func EncodeRangesForProcess(pr model.ProcessRanges) []byte {
	var b []byte
	b = appendBytes(b, 1, EncodeProcess(pr.Process))
	for _, r := range pr.Ranges {
		b = appendBytes(b, 2, encodeRange(r))
	}
	return b
}

// DecodeRangesForProcess parses one process and its ranges.
func DecodeRangesForProcess(b []byte) (model.ProcessRanges, error) {
	var (
		pr      model.ProcessRanges
		hasProc bool
	)
	err := walk(b, func(f field) error {
		if f.num != 1 && f.num != 2 {
			return nil
		}
		raw, err := f.data()
		if err != nil {
			return err
		}
		switch f.num {
		case 1:
			if pr.Process, err = DecodeProcess(raw); err != nil {
				return err
			}
			hasProc = true
		case 2:
			r, err := decodeRange(raw)
			if err != nil {
				return err
			}
			pr.Ranges = append(pr.Ranges, r)
		}
		return nil
	})
	if err != nil {
		return model.ProcessRanges{}, fmt.Errorf("ranges for process: %w", err)
	}
	if !hasProc {
		return model.ProcessRanges{}, malformed("ranges for process: missing process")
	}
	return pr, nil
}

// EncodeRangesForSystem serializes the per-process ranges of a system.
func EncodeRangesForSystem(rs []model.ProcessRanges) []byte {
	var b []byte
	for _, pr := range rs {
		b = appendBytes(b, 1, EncodeRangesForProcess(pr))
	}
	return b
}

// DecodeRangesForSystem parses the per-process ranges of a system.
func DecodeRangesForSystem(b []byte) ([]model.ProcessRanges, error) {
	var out []model.ProcessRanges
	err := walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		raw, err := f.data()
		if err != nil {
			return err
		}
		pr, err := DecodeRangesForProcess(raw)
		if err != nil {
			return err
		}
		out = append(out, pr)
		return nil
	})
	return out, err
}
