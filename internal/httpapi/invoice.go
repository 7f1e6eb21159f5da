package httpapi

import (
	"bytes"
	"html/template"

	"pdvmarket/internal/domain"
	"pdvmarket/internal/money"
)

var paymentLabels = map[domain.PaymentMethod]string{
	domain.PaymentCash:     "Dinheiro",
	domain.PaymentDebit:    "Cartao de debito",
	domain.PaymentCredit:   "Cartao de credito",
	domain.PaymentPix:      "Pix",
	domain.PaymentDeferred: "Promissoria",
}

var statusLabels = map[domain.SaleStatus]string{
	domain.SaleStatusIssued:    "Emitida",
	domain.SaleStatusSettled:   "Quitada",
	domain.SaleStatusCancelled: "Cancelada",
}

// invoiceHTMLTmpl renders the printable receipt for one sale. html/template
// escapes product names and the cancel reason.
var invoiceHTMLTmpl = template.Must(template.New("invoice").Funcs(template.FuncMap{
	"brl": money.FormatBRL,
	"paymentLabel": func(method domain.PaymentMethod) string {
		if label, ok := paymentLabels[method]; ok {
			return label
		}
		return string(method)
	},
	"statusLabel": func(status domain.SaleStatus) string {
		if label, ok := statusLabels[status]; ok {
			return label
		}
		return string(status)
	},
}).Parse(`<!doctype html>
<html>
<head>
  <meta charset="utf-8" />
  <title>{{.InvoiceNumber}}</title>
  <style>
    body { font-family: monospace; margin: 16px; max-width: 420px; }
    table { width: 100%; border-collapse: collapse; }
    td, th { padding: 2px 4px; font-size: 12px; }
    .num { text-align: right; }
    .cancelled { color: #b00; font-weight: bold; }
  </style>
</head>
<body>
  <h2>Nota {{.InvoiceNumber}}</h2>
  <p>Data: {{.CreatedAt.Format "02/01/2006 15:04"}}<br />Terminal: {{.TerminalID}} | Operador: {{.OperatorID}}{{if .CustomerID}}<br />Cliente: {{.CustomerID}}{{end}}</p>
  <p class="{{if eq .Status "cancelled"}}cancelled{{end}}">Situacao: {{statusLabel .Status}}{{if .CancelReason}} ({{.CancelReason}}){{end}}</p>
  <table>
    <thead><tr><th>Produto</th><th class="num">Qtd</th><th class="num">Unit.</th><th class="num">Total</th></tr></thead>
    <tbody>{{range .Lines}}<tr><td>{{.Name}}</td><td class="num">{{.Qty}}</td><td class="num">{{brl .UnitPriceCents}}</td><td class="num">{{brl .TotalCents}}</td></tr>{{end}}</tbody>
  </table>
  <p>Subtotal: {{brl .SubtotalCents}}<br />Desconto: {{brl .DiscountCents}}<br /><strong>Total: {{brl .TotalCents}}</strong></p>
  {{range .Payments}}<p>Pagamento: {{paymentLabel .Method}}{{if gt .Installments 0}} em {{.Installments}}x{{end}}{{if gt .TenderedCents 0}}<br />Recebido: {{brl .TenderedCents}}<br />Troco: {{brl .ChangeCents}}{{end}}</p>{{end}}
</body>
</html>
`))

func renderInvoiceHTML(sale *domain.Sale) (string, error) {
	var buf bytes.Buffer
	if err := invoiceHTMLTmpl.Execute(&buf, sale); err != nil {
		return "", err
	}
	return buf.String(), nil
}
