package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/moov-io/iso20022/pkg/common"
	"github.com/ruralpay/walletcore/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func withdrawalEntry(meta models.Metadata) *models.JournalEntry {
	return &models.JournalEntry{
		ID:            5,
		AccountID:     "user-1",
		Currency:      "THB",
		Direction:     models.DirectionDebit,
		Amount:        dec("1500.25"),
		Kind:          models.KindWithdraw,
		Status:        models.EntryPosted,
		CorrelationID: "wd-corr-1",
		Metadata:      meta,
	}
}

func kbankDestination() models.Metadata {
	return models.Metadata{"bank_code": "kbank", "account_number": "1234567890", "account_name": "Somchai Jaidee"}
}

func TestPayoutService_BuildPayoutInstruction(t *testing.T) {
	p := NewPayoutService(nil, NewBankDirectory(), "WALLTHBK")

	t.Run("credit transfer to destination bank", func(t *testing.T) {
		doc, err := p.BuildPayoutInstruction(withdrawalEntry(kbankDestination()))

		require.NoError(t, err)
		assert.Equal(t, 1500.25, doc.GrpHdr.TtlIntrBkSttlmAmt.Value)
		require.Len(t, doc.CdtTrfTxInf, 1)
		tx := doc.CdtTrfTxInf[0]
		assert.Equal(t, common.Max35Text("wd-corr-1"), tx.PmtId.EndToEndId)
		assert.Equal(t, common.Max35Text("WD-5"), *tx.PmtId.InstrId)
		assert.Equal(t, common.ActiveCurrencyCode("THB"), tx.IntrBkSttlmAmt.Ccy)
		assert.Equal(t, common.Max35Text("004"), tx.CdtrAgt.FinInstnId.ClrSysMmbId.MmbId)
		assert.Equal(t, common.Max140Text("Somchai Jaidee"), *tx.Cdtr.Nm)
		assert.Equal(t, common.BICFIDec2014Identifier("WALLTHBK"), *tx.DbtrAgt.FinInstnId.BICFI)
	})

	t.Run("unknown bank", func(t *testing.T) {
		meta := kbankDestination()
		meta["bank_code"] = "999"

		_, err := p.BuildPayoutInstruction(withdrawalEntry(meta))

		assert.ErrorIs(t, err, ErrInvalidDestination)
	})

	t.Run("missing destination", func(t *testing.T) {
		_, err := p.BuildPayoutInstruction(withdrawalEntry(nil))

		assert.ErrorIs(t, err, ErrInvalidDestination)
	})
}

func TestPayoutService_Send(t *testing.T) {
	ctx := context.Background()

	t.Run("payout document", func(t *testing.T) {
		sender := new(MockPayoutSender)
		p := NewPayoutService(sender, NewBankDirectory(), "WALLTHBK")
		sender.On("Send", mock.Anything, "pacs.008.001.08", mock.MatchedBy(func(doc []byte) bool {
			body := string(doc)
			return strings.HasPrefix(body, "<?xml") && strings.Contains(body, "WD-5") && strings.Contains(body, "Somchai Jaidee")
		})).Return(nil)

		require.NoError(t, p.SendPayout(ctx, withdrawalEntry(kbankDestination())))
		sender.AssertExpectations(t)
	})

	t.Run("status report", func(t *testing.T) {
		sender := new(MockPayoutSender)
		p := NewPayoutService(sender, NewBankDirectory(), "WALLTHBK")
		sender.On("Send", mock.Anything, "pacs.002.001.08", mock.MatchedBy(func(doc []byte) bool {
			return strings.Contains(string(doc), PayoutRejected)
		})).Return(nil)

		require.NoError(t, p.SendStatusReport(ctx, withdrawalEntry(kbankDestination()), PayoutRejected))
		sender.AssertExpectations(t)
	})

	t.Run("sender failure", func(t *testing.T) {
		sender := new(MockPayoutSender)
		p := NewPayoutService(sender, NewBankDirectory(), "WALLTHBK")
		sender.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("partner unavailable"))

		assert.Error(t, p.SendPayout(ctx, withdrawalEntry(kbankDestination())))
	})
}

func TestBankDirectory(t *testing.T) {
	banks := NewBankDirectory()

	t.Run("lookup by code or short name", func(t *testing.T) {
		byCode, ok := banks.Lookup("014")
		require.True(t, ok)
		byName, ok := banks.Lookup(" scb ")
		require.True(t, ok)
		assert.Equal(t, byCode, byName)
	})

	t.Run("unknown bank", func(t *testing.T) {
		_, ok := banks.Lookup("XYZ")
		assert.False(t, ok)
	})

	t.Run("list sorted by code", func(t *testing.T) {
		list := banks.List()
		require.NotEmpty(t, list)
		for i := 1; i < len(list); i++ {
			assert.Less(t, list[i-1].Code, list[i].Code)
		}
	})
}
