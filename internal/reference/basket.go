// Package reference loads the session reference data: ETF basket files and
// the futures maturity/quote lookup.
package reference

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"arb-signal-engine/internal/state"

	"github.com/xuri/excelize/v2"
)

var ErrMalformedBasket = errors.New("reference: malformed basket")

// Basket file columns.
const (
	colETF       = 0
	colTicker    = 2
	colWeight    = 3
	colPrice     = 5
	colOwnership = 6
)

// LoadBaskets reads every <ETF>_*.xlsx or <ETF>_*.csv file in dir, sorted by
// file name. An empty directory is an error.
func LoadBaskets(dir string) ([]state.Basket, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read basket dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), "~$") || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".xlsx", ".csv":
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no basket files in %s", ErrMalformedBasket, dir)
	}
	sort.Strings(names)
	out := make([]state.Basket, 0, len(names))
	for _, name := range names {
		basket, err := LoadBasketFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, basket)
	}
	return out, nil
}

// LoadBasketFile parses one basket file. The ETF code is the file name up to
// the first underscore; only rows carrying that code are kept.
func LoadBasketFile(path string) (state.Basket, error) {
	name := filepath.Base(path)
	etfCode, _, ok := strings.Cut(strings.TrimSuffix(name, filepath.Ext(name)), "_")
	if !ok || etfCode == "" {
		return state.Basket{}, fmt.Errorf("%w: %s: file name has no <ETF>_ prefix", ErrMalformedBasket, name)
	}
	var rows [][]string
	var err error
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx":
		rows, err = readXLSX(path)
	case ".csv":
		rows, err = readCSV(path)
	default:
		return state.Basket{}, fmt.Errorf("%w: %s: unsupported extension", ErrMalformedBasket, name)
	}
	if err != nil {
		return state.Basket{}, fmt.Errorf("%s: %w", name, err)
	}
	basket, err := parseBasket(etfCode, rows)
	if err != nil {
		return state.Basket{}, fmt.Errorf("%s: %w", name, err)
	}
	return basket, nil
}

func readXLSX(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrMalformedBasket)
	}
	return f.GetRows(sheets[0])
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var rows [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, rec)
	}
}

// parseBasket skips the header row, keeps rows for etfCode and normalizes
// weights given in percent.
func parseBasket(etfCode string, rows [][]string) (state.Basket, error) {
	if len(rows) < 2 {
		return state.Basket{}, fmt.Errorf("%w: no constituent rows", ErrMalformedBasket)
	}
	basket := state.Basket{ETFCode: etfCode}
	seen := make(map[string]bool)
	for i, row := range rows[1:] {
		if cell(row, colETF) != etfCode {
			continue
		}
		line := i + 2
		ticker := strings.ToUpper(cell(row, colTicker))
		if ticker == "" {
			return state.Basket{}, fmt.Errorf("%w: row %d: empty ticker", ErrMalformedBasket, line)
		}
		if seen[ticker] {
			return state.Basket{}, fmt.Errorf("%w: row %d: duplicate ticker %s", ErrMalformedBasket, line, ticker)
		}
		seen[ticker] = true
		weight, err := parseNumber(cell(row, colWeight))
		if err != nil || weight < 0 {
			return state.Basket{}, fmt.Errorf("%w: row %d: weight %q", ErrMalformedBasket, line, cell(row, colWeight))
		}
		price, err := parseNumber(cell(row, colPrice))
		if err != nil || price < 0 {
			return state.Basket{}, fmt.Errorf("%w: row %d: price %q", ErrMalformedBasket, line, cell(row, colPrice))
		}
		basket.Constituents = append(basket.Constituents, state.Constituent{
			Ticker:         ticker,
			Weight:         weight,
			ReferencePrice: price,
			ForeignLimited: foreignLimited(cell(row, colOwnership)),
		})
	}
	if len(basket.Constituents) == 0 {
		return state.Basket{}, fmt.Errorf("%w: no rows for %s", ErrMalformedBasket, etfCode)
	}
	NormalizeWeights(basket.Constituents)
	return basket, nil
}

// NormalizeWeights rescales percent weights (summing above 1) to fractions.
func NormalizeWeights(constituents []state.Constituent) {
	var sum float64
	for _, c := range constituents {
		sum += c.Weight
	}
	if sum <= 1 {
		return
	}
	for i := range constituents {
		constituents[i].Weight /= 100
	}
}

func foreignLimited(tag string) bool {
	return strings.Contains(tag, "KIS") || strings.Contains(tag, "AP")
}

func cell(row []string, idx int) string {
	if idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func parseNumber(raw string) (float64, error) {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	raw = strings.TrimSuffix(raw, "%")
	return strconv.ParseFloat(raw, 64)
}
