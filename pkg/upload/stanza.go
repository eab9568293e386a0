// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package upload

import (
	"encoding/xml"
	"strconv"
)

const (
	NSHTTPUpload = "urn:xmpp:http:upload:0"
	NSDiscoInfo  = "http://jabber.org/protocol/disco#info"
	NSDiscoItems = "http://jabber.org/protocol/disco#items"
)

// Only these put headers may be forwarded to the HTTP server (XEP-0363 §5).
var allowedPutHeaders = map[string]bool{
	"Authorization": true,
	"Cookie":        true,
	"Expires":       true,
}

type slotRequest struct {
	XMLName     xml.Name `xml:"urn:xmpp:http:upload:0 request"`
	Filename    string   `xml:"filename,attr"`
	Size        string   `xml:"size,attr"`
	ContentType string   `xml:"content-type,attr"`
}

type slotHeader struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type slotResponse struct {
	XMLName xml.Name `xml:"urn:xmpp:http:upload:0 slot"`
	Put     struct {
		URL     string       `xml:"url,attr"`
		Headers []slotHeader `xml:"header"`
	} `xml:"put"`
	Get struct {
		URL string `xml:"url,attr"`
	} `xml:"get"`
}

type discoInfoQuery struct {
	XMLName  xml.Name `xml:"http://jabber.org/protocol/disco#info query"`
	Features []struct {
		Var string `xml:"var,attr"`
	} `xml:"feature"`
}

type discoItemsQuery struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/disco#items query"`
	Items   []struct {
		JID string `xml:"jid,attr"`
	} `xml:"item"`
}

func encodeSlotRequest(filename string, size int64, contentType string) ([]byte, error) {
	return xml.Marshal(slotRequest{
		Filename:    filename,
		Size:        strconv.FormatInt(size, 10),
		ContentType: contentType,
	})
}

func encodeDiscoQuery(ns string) []byte {
	return []byte(`<query xmlns='` + ns + `'/>`)
}

func (q *discoInfoQuery) hasFeature(feature string) bool {
	for _, f := range q.Features {
		if f.Var == feature {
			return true
		}
	}
	return false
}
