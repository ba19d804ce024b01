package mail

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"html/template"
	"os"
	"strconv"
	"time"

	gomail "gopkg.in/gomail.v2"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/config"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/logger"
)

func init() {
	config.LoadEnv()
}

var alertTemplate = template.Must(template.New("reconciliation_alert").Parse(`
<h2>Booking requires manual reconciliation</h2>
<p>Booking <strong>{{.BookingID}}</strong> could not be driven to a terminal state automatically.</p>
<ul>
	<li>State: {{.State}}</li>
	<li>Reason: {{.Reason}}</li>
	<li>Unresolved reconciliation passes: {{.Passes}}</li>
	<li>Detected at: {{.At}}</li>
</ul>
<p>Check the operator portal and the payment gateway dashboard before intervening.</p>
`))

// Sender delivers operational alert emails over SMTP.
type Sender struct{}

func NewSender() *Sender { return &Sender{} }

func sendEmail(toEmail, subject string, body string) error {
	mailer := gomail.NewMessage()
	mailer.SetHeader("From", os.Getenv("FROM_EMAIL"))
	mailer.SetHeader("To", toEmail)
	mailer.SetHeader("Subject", subject)
	mailer.SetBody("text/html", body)

	port, err := strconv.Atoi(os.Getenv("SMTP_PORT"))
	if err != nil {
		logger.ErrorLogger.Errorf("Invalid SMTP port: %v", err)
		return fmt.Errorf("invalid SMTP port: %w", err)
	}

	smtpHost := os.Getenv("SMTP_HOST")
	dialer := gomail.NewDialer(smtpHost, port, os.Getenv("SMTP_USERNAME"), os.Getenv("SMTP_PASSWORD"))
	dialer.TLSConfig = &tls.Config{
		InsecureSkipVerify: false,
		ServerName:         smtpHost,
	}

	if err := dialer.DialAndSend(mailer); err != nil {
		logger.ErrorLogger.Errorf("Failed to send email to %s: %v", toEmail, err)
		return fmt.Errorf("failed to send email: %w", err)
	}

	logger.InfoLogger.Infof("Alert email sent to %s", toEmail)
	return nil
}

// SendReconciliationAlert notifies the operations mailbox about a booking
// stuck past the automatic recovery threshold.
func (s *Sender) SendReconciliationAlert(bookingID, state, reason string, passes int) error {
	to := config.GetEnv("OPS_ALERT_EMAIL", os.Getenv("FROM_EMAIL"))
	if to == "" {
		logger.WarnLogger.Warnf("No OPS_ALERT_EMAIL configured, dropping alert for booking %s", bookingID)
		return nil
	}

	data := struct {
		BookingID string
		State     string
		Reason    string
		Passes    int
		At        string
	}{
		BookingID: bookingID,
		State:     state,
		Reason:    reason,
		Passes:    passes,
		At:        time.Now().UTC().Format(time.RFC3339),
	}

	var body bytes.Buffer
	if err := alertTemplate.Execute(&body, data); err != nil {
		logger.ErrorLogger.Errorf("Failed to render reconciliation alert for booking %s: %v", bookingID, err)
		return fmt.Errorf("failed to render alert template: %w", err)
	}

	subject := fmt.Sprintf("Reconciliation needed for booking %s", bookingID)
	return sendEmail(to, subject, body.String())
}
