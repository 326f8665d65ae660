// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package modules

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianTasks/services/api/routegroup"
	"github.com/AleutianAI/AleutianTasks/services/api/store"
)

// Payment statuses.
const (
	PaymentPending   = "pending"
	PaymentCaptured  = "captured"
	PaymentRefunded  = "refunded"
	PaymentCancelled = "cancelled"
)

// Payments records payment intents and their lifecycle. Settlement with a
// payment processor happens elsewhere.
type Payments struct {
	res resource
}

// NewPayments creates the payments module.
func NewPayments(d Deps) *Payments {
	d = d.withDefaults()
	return &Payments{res: resource{
		kind:          "payment",
		store:         d.Store,
		required:      []string{"amount", "currency"},
		initialStatus: PaymentPending,
		check:         checkPayment,
	}}
}

// Endpoints implements routegroup.Provider.
func (p *Payments) Endpoints() []routegroup.Endpoint {
	eps := p.res.crud()
	return append(eps,
		routegroup.Endpoint{Method: http.MethodPost, Path: "/:id/capture", Handler: p.res.transition("capture", PaymentCaptured, PaymentPending), NeedsSession: true},
		routegroup.Endpoint{Method: http.MethodPost, Path: "/:id/refund", Handler: p.res.transition("refund", PaymentRefunded, PaymentCaptured), NeedsSession: true},
		routegroup.Endpoint{Method: http.MethodPost, Path: "/:id/cancel", Handler: p.res.transition("cancel", PaymentCancelled, PaymentPending), NeedsSession: true},
		routegroup.Endpoint{Method: http.MethodGet, Path: "/summary", Handler: p.summary, NeedsSession: true, Summary: "totals per status and currency"},
	)
}

func checkPayment(body map[string]any) error {
	if v, present := body["amount"]; present {
		amount, ok := v.(float64)
		if !ok || amount <= 0 {
			return errors.New("amount must be a positive number")
		}
	}
	if v, present := body["currency"]; present {
		cur, ok := v.(string)
		if !ok || len(strings.TrimSpace(cur)) != 3 {
			return errors.New("currency must be a three-letter code")
		}
	}
	return nil
}

// PaymentTotals is one row of the payments summary.
type PaymentTotals struct {
	Count  int     `json:"count"`
	Amount float64 `json:"amount"`
}

func (p *Payments) summary(c *gin.Context) {
	docs, err := p.res.store.List(c.Request.Context(), sess(c), store.Query{Kind: p.res.kind, Limit: store.MaxListLimit})
	if err != nil {
		respondError(c, err)
		return
	}

	byStatus := make(map[string]map[string]*PaymentTotals)
	for _, d := range docs {
		cur := strings.ToUpper(stringField(d.Body, "currency"))
		amount, _ := d.Body["amount"].(float64)
		if byStatus[d.Status] == nil {
			byStatus[d.Status] = make(map[string]*PaymentTotals)
		}
		t := byStatus[d.Status][cur]
		if t == nil {
			t = &PaymentTotals{}
			byStatus[d.Status][cur] = t
		}
		t.Count++
		t.Amount += amount
	}
	c.JSON(http.StatusOK, gin.H{"payments": len(docs), "by_status": byStatus})
}

var _ routegroup.Provider = (*Payments)(nil)
