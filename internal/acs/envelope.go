package acs

import (
	"encoding/base64"

	"github.com/ArrEssJay/smtp-acs-bridge/internal/message"
)

// addressEntry is one entry of a recipients.to/cc/bcc array.
type addressEntry struct {
	Address     string `json:"address"`
	DisplayName string `json:"displayName,omitempty"`
}

// content is the envelope's "content" object.
type content struct {
	Subject   string `json:"subject"`
	PlainText string `json:"plainText,omitempty"`
	HTML      string `json:"html,omitempty"`
}

// recipients is the envelope's "recipients" object. Cc/Bcc are omitted
// entirely when empty, matching the wire shape.
type recipients struct {
	To  []addressEntry `json:"to"`
	Cc  []addressEntry `json:"cc,omitempty"`
	Bcc []addressEntry `json:"bcc,omitempty"`
}

// attachment is one entry of the envelope's "attachments" array.
type attachment struct {
	Name            string `json:"name"`
	ContentType     string `json:"contentType"`
	ContentInBase64 string `json:"contentInBase64"`
}

// Envelope is the JSON body submitted to ACS's /emails:send. Field order
// matches the declared struct order, so marshaling is deterministic.
type Envelope struct {
	SenderAddress string       `json:"senderAddress"`
	Content       content      `json:"content"`
	Recipients    recipients   `json:"recipients"`
	Attachments   []attachment `json:"attachments,omitempty"`
}

// BuildEnvelope assembles the ACS envelope for a parsed message.
//
// Recipients come from the parsed message's To/Cc/Bcc headers; if the
// message carried no header recipients at all, rcptTo (the session's SMTP
// RCPT TO addresses) populates To instead.
func BuildEnvelope(sender string, msg *message.Parsed, rcptTo []string) *Envelope {
	env := &Envelope{
		SenderAddress: sender,
		Content: content{
			Subject:   msg.Subject,
			PlainText: msg.PlainText,
			HTML:      msg.HTML,
		},
		Recipients: recipients{
			To:  toAddressEntries(msg.To),
			Cc:  toAddressEntries(msg.Cc),
			Bcc: toAddressEntries(msg.Bcc),
		},
	}

	if len(env.Recipients.To) == 0 && len(env.Recipients.Cc) == 0 && len(env.Recipients.Bcc) == 0 {
		for _, addr := range rcptTo {
			env.Recipients.To = append(env.Recipients.To, addressEntry{Address: addr})
		}
	}

	for _, a := range msg.Attachments {
		env.Attachments = append(env.Attachments, attachment{
			Name:            a.Filename,
			ContentType:     a.ContentType,
			ContentInBase64: base64.StdEncoding.EncodeToString(a.Bytes),
		})
	}

	return env
}

func toAddressEntries(rs []message.Recipient) []addressEntry {
	if len(rs) == 0 {
		return nil
	}
	entries := make([]addressEntry, 0, len(rs))
	for _, r := range rs {
		entries = append(entries, addressEntry{Address: r.Address, DisplayName: r.DisplayName})
	}
	return entries
}
