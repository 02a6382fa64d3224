// Package message implements the bridge's message assembler: parsing an
// RFC 5322 message out of the raw bytes accumulated during an SMTP DATA
// phase and producing the structure the ACS client turns into a request
// envelope.
package message

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
)

// Recipient is an address with an optional display name, as extracted from
// a To/Cc/Bcc header.
type Recipient struct {
	Address     string
	DisplayName string
}

// Attachment is a non-inline or inline MIME part other than the first
// non-attachment text/plain and text/html parts used as the message body.
type Attachment struct {
	Filename    string
	ContentType string
	Bytes       []byte

	// ContentID is set when the part carries a Content-ID header, for
	// parts referenced inline via "cid:" URIs.
	ContentID string
}

// Parsed is the result of assembling one RFC 5322 message.
type Parsed struct {
	Subject   string
	To        []Recipient
	Cc        []Recipient
	Bcc       []Recipient
	PlainText string
	HTML      string

	Attachments []Attachment
}

// wordDecoder handles RFC 2047 encoded-words in headers (=?charset?...?=).
// Legacy senders motivating this bridge commonly label encoded-words with
// a non-UTF-8 charset (e.g. "iso-2022-jp", "windows-1252"); CharsetReader
// falls back to golang.org/x/text/encoding/htmlindex to decode those.
var wordDecoder = &mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, fmt.Errorf("unsupported charset %q: %w", charset, err)
		}
		return enc.NewDecoder().Reader(input), nil
	},
}

// Parse parses raw (headers + body) RFC 5322 message bytes into a Parsed
// message. It tolerates a missing Subject, multipart alternatives,
// and common transfer encodings. If no readable body part is found, it
// returns a Parsed with an empty PlainText body rather than an error — the
// caller is expected to log a warning and proceed with the send.
func Parse(raw []byte) (*Parsed, error) {
	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}

	p := &Parsed{
		Subject: decodeHeaderWord(m.Header.Get("Subject")),
		To:      parseAddressList(m.Header.Get("To")),
		Cc:      parseAddressList(m.Header.Get("Cc")),
		Bcc:     parseAddressList(m.Header.Get("Bcc")),
	}

	contentType := m.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil && contentType != "" {
		// Malformed Content-Type: treat the whole body as plain text
		// rather than failing the entire message.
		mediaType = ""
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		if err := walkMultipart(m.Body, params["boundary"], p); err != nil {
			return nil, fmt.Errorf("parsing multipart body: %w", err)
		}
	} else {
		body, err := decodeBody(m.Body, m.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			return nil, fmt.Errorf("decoding body: %w", err)
		}
		if strings.HasPrefix(mediaType, "text/html") {
			p.HTML = string(body)
		} else {
			p.PlainText = string(body)
		}
	}

	return p, nil
}

// walkMultipart recursively descends into a multipart body, populating
// plainText/html from the first text/plain and text/html parts found and
// collecting every other part as an attachment.
func walkMultipart(r io.Reader, boundary string, p *Parsed) error {
	if boundary == "" {
		return fmt.Errorf("multipart body missing boundary parameter")
	}

	mr := multipart.NewReader(r, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		partContentType := part.Header.Get("Content-Type")
		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			mediaType = "text/plain"
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if err := walkMultipart(part, params["boundary"], p); err != nil {
				return err
			}
			part.Close()
			continue
		}

		data, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
		part.Close()
		if err != nil {
			return fmt.Errorf("reading part: %w", err)
		}

		disposition, dispParams, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		filename := dispParams["filename"]
		if filename == "" {
			filename = params["name"]
		}

		isAttachment := disposition == "attachment" || filename != ""

		switch {
		case mediaType == "text/plain" && p.PlainText == "" && !isAttachment:
			p.PlainText = string(data)
		case mediaType == "text/html" && p.HTML == "" && !isAttachment:
			p.HTML = string(data)
		default:
			p.Attachments = append(p.Attachments, Attachment{
				Filename:    filename,
				ContentType: mediaType,
				Bytes:       data,
				ContentID:   strings.Trim(part.Header.Get("Content-Id"), "<>"),
			})
		}
	}
}

// decodeBody reads r fully and decodes it per the given Content-Transfer-
// Encoding ("base64", "quoted-printable"; "7bit"/"8bit"/"" pass through).
func decodeBody(r io.Reader, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
		n, err := base64.StdEncoding.Decode(decoded, bytes.TrimSpace(data))
		if err != nil {
			// Some senders wrap base64 with embedded newlines that the
			// strict decoder rejects; fall back to a newline-stripped
			// decode attempt before giving up.
			stripped := stripNewlines(data)
			decoded = make([]byte, base64.StdEncoding.DecodedLen(len(stripped)))
			n, err = base64.StdEncoding.Decode(decoded, stripped)
			if err != nil {
				return nil, fmt.Errorf("decoding base64 body: %w", err)
			}
		}
		return decoded[:n], nil
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(r))
	default:
		return io.ReadAll(r)
	}
}

func stripNewlines(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c != '\r' && c != '\n' {
			out = append(out, c)
		}
	}
	return out
}

// parseAddressList parses a To/Cc/Bcc header value into Recipients,
// tolerating a header that fails to parse cleanly by returning no
// recipients rather than an error — RCPT TO addresses are the fallback in
// that case.
func parseAddressList(header string) []Recipient {
	if strings.TrimSpace(header) == "" {
		return nil
	}

	addrs, err := mail.ParseAddressList(header)
	if err != nil {
		return nil
	}

	recipients := make([]Recipient, 0, len(addrs))
	for _, a := range addrs {
		recipients = append(recipients, Recipient{
			Address:     a.Address,
			DisplayName: a.Name,
		})
	}
	return recipients
}

// decodeHeaderWord decodes RFC 2047 encoded-words in a single header value.
// On decode failure, the raw value is returned unchanged.
func decodeHeaderWord(v string) string {
	decoded, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}
