package services

import (
	"sort"
	"strings"
)

type Bank struct {
	Code      string `json:"code"`
	ShortName string `json:"short_name"`
	Name      string `json:"name"`
}

var thaiBanks = []Bank{
	{Code: "002", ShortName: "BBL", Name: "Bangkok Bank"},
	{Code: "004", ShortName: "KBANK", Name: "Kasikornbank"},
	{Code: "006", ShortName: "KTB", Name: "Krung Thai Bank"},
	{Code: "011", ShortName: "TTB", Name: "TMBThanachart Bank"},
	{Code: "014", ShortName: "SCB", Name: "Siam Commercial Bank"},
	{Code: "022", ShortName: "CIMBT", Name: "CIMB Thai Bank"},
	{Code: "024", ShortName: "UOBT", Name: "United Overseas Bank (Thai)"},
	{Code: "025", ShortName: "BAY", Name: "Bank of Ayudhya (Krungsri)"},
	{Code: "030", ShortName: "GSB", Name: "Government Savings Bank"},
	{Code: "033", ShortName: "GHB", Name: "Government Housing Bank"},
	{Code: "034", ShortName: "BAAC", Name: "Bank for Agriculture and Agricultural Cooperatives"},
	{Code: "066", ShortName: "IBANK", Name: "Islamic Bank of Thailand"},
	{Code: "067", ShortName: "TISCO", Name: "TISCO Bank"},
	{Code: "069", ShortName: "KKP", Name: "Kiatnakin Phatra Bank"},
	{Code: "070", ShortName: "ICBCT", Name: "ICBC (Thai)"},
	{Code: "071", ShortName: "TCD", Name: "Thai Credit Bank"},
	{Code: "073", ShortName: "LHFG", Name: "Land and Houses Bank"},
}

// BankDirectory validates withdrawal destinations against known bank codes
type BankDirectory struct {
	byCode map[string]Bank
}

func NewBankDirectory() *BankDirectory {
	byCode := make(map[string]Bank, len(thaiBanks)*2)
	for _, b := range thaiBanks {
		byCode[b.Code] = b
		byCode[b.ShortName] = b
	}
	return &BankDirectory{byCode: byCode}
}

// Lookup accepts either the three-digit code or the short name
func (d *BankDirectory) Lookup(code string) (Bank, bool) {
	b, ok := d.byCode[strings.ToUpper(strings.TrimSpace(code))]
	return b, ok
}

func (d *BankDirectory) List() []Bank {
	banks := make([]Bank, len(thaiBanks))
	copy(banks, thaiBanks)
	sort.Slice(banks, func(i, j int) bool { return banks[i].Code < banks[j].Code })
	return banks
}
