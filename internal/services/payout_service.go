package services

import (
	"context"
	"encoding/xml"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
	"github.com/ruralpay/walletcore/internal/models"
)

// Payout status codes carried in pacs.002
const (
	PayoutAccepted = "ACCP"
	PayoutRejected = "RJCT"
)

// PayoutSender delivers an ISO 20022 document to the clearing partner
type PayoutSender interface {
	Send(ctx context.Context, messageType string, document []byte) error
}

// LogPayoutSender writes outgoing documents to the log
type LogPayoutSender struct{}

func (LogPayoutSender) Send(ctx context.Context, messageType string, document []byte) error {
	log.Printf("[PAYOUT] Sending %s:\n%s", messageType, string(document))
	return nil
}

// PayoutService turns reviewed withdrawals into pacs.008 credit transfers and pacs.002 status reports
type PayoutService struct {
	sender    PayoutSender
	banks     *BankDirectory
	debtorBIC string
	now       func() time.Time
}

func NewPayoutService(sender PayoutSender, banks *BankDirectory, debtorBIC string) *PayoutService {
	if sender == nil {
		sender = LogPayoutSender{}
	}
	return &PayoutService{
		sender:    sender,
		banks:     banks,
		debtorBIC: debtorBIC,
		now:       time.Now,
	}
}

// BuildPayoutInstruction creates the pacs.008 for an approved withdrawal entry
func (p *PayoutService) BuildPayoutInstruction(entry *models.JournalEntry) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	dest, err := destinationFromMetadata(entry.Metadata)
	if err != nil {
		return nil, err
	}
	bank, ok := p.banks.Lookup(dest.BankCode)
	if !ok {
		return nil, ErrInvalidDestination
	}

	created := p.now()
	settlementDate := created
	entryRef := fmt.Sprintf("WD-%d", entry.ID)
	amount := entry.Amount.InexactFloat64()

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(uuid.New().String()),
			CreDtTm: common.ISODateTime(created),
			NbOfTxs: "1",
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(entry.Currency),
				Value: amount,
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG",
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &[]common.Max35Text{common.Max35Text(entryRef)}[0],
					EndToEndId: common.Max35Text(entry.CorrelationID),
					TxId:       &[]common.Max35Text{common.Max35Text(entryRef)}[0],
				},
				IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
					Ccy:   common.ActiveCurrencyCode(entry.Currency),
					Value: amount,
				},
				IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
				ChrgBr:        "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier(p.debtorBIC)}[0],
					},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(entry.AccountID)}[0],
				},
				CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						ClrSysMmbId: &pacs_v08.ClearingSystemMemberIdentification2{
							MmbId: common.Max35Text(bank.Code),
						},
					},
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(dest.AccountName)}[0],
				},
			},
		},
	}

	return doc, nil
}

// BuildStatusReport creates the pacs.002 for a reviewed withdrawal
func (p *PayoutService) BuildStatusReport(entry *models.JournalEntry, status string) *pacs_v08.FIToFIPaymentStatusReportV08 {
	entryRef := fmt.Sprintf("WD-%d", entry.ID)
	return &pacs_v08.FIToFIPaymentStatusReportV08{
		GrpHdr: pacs_v08.GroupHeader53{
			MsgId:   common.Max35Text(uuid.New().String()),
			CreDtTm: common.ISODateTime(p.now()),
		},
		TxInfAndSts: []pacs_v08.PaymentTransaction80{
			{
				OrgnlInstrId:    &[]common.Max35Text{common.Max35Text(entryRef)}[0],
				OrgnlEndToEndId: &[]common.Max35Text{common.Max35Text(entry.CorrelationID)}[0],
				OrgnlTxId:       &[]common.Max35Text{common.Max35Text(entryRef)}[0],
				TxSts:           &[]pacs_v08.ExternalPaymentTransactionStatus1Code{pacs_v08.ExternalPaymentTransactionStatus1Code(status)}[0],
			},
		},
	}
}

// SendPayout builds and delivers the credit transfer. Call only after the approving transaction commits.
func (p *PayoutService) SendPayout(ctx context.Context, entry *models.JournalEntry) error {
	doc, err := p.BuildPayoutInstruction(entry)
	if err != nil {
		return err
	}
	data, err := ConvertToXML(doc)
	if err != nil {
		return err
	}
	return p.sender.Send(ctx, "pacs.008.001.08", []byte(data))
}

// SendStatusReport delivers the review outcome of a withdrawal
func (p *PayoutService) SendStatusReport(ctx context.Context, entry *models.JournalEntry, status string) error {
	data, err := ConvertToXML(p.BuildStatusReport(entry, status))
	if err != nil {
		return err
	}
	return p.sender.Send(ctx, "pacs.002.001.08", []byte(data))
}

// ConvertToXML converts an ISO 20022 document to an XML string
func ConvertToXML(doc any) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}

func destinationFromMetadata(meta models.Metadata) (WithdrawDestination, error) {
	var dest WithdrawDestination
	if meta == nil {
		return dest, ErrInvalidDestination
	}
	dest.BankCode, _ = meta["bank_code"].(string)
	dest.AccountNumber, _ = meta["account_number"].(string)
	dest.AccountName, _ = meta["account_name"].(string)
	if dest.BankCode == "" || dest.AccountNumber == "" {
		return dest, ErrInvalidDestination
	}
	return dest, nil
}
