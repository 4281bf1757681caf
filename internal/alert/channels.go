package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	appconfig "marketsync/config"
	"marketsync/internal/models"
)

// Channel delivers one persisted alert to an external destination. Delivery
// is best effort; the alert is already durable before any channel sees it.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, alert models.Alert) error
}

// EmailChannel sends alerts over SMTP.
type EmailChannel struct {
	cfg appconfig.EmailAlertConfig
}

func NewEmailChannel(cfg appconfig.EmailAlertConfig) *EmailChannel {
	return &EmailChannel{cfg: cfg}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Deliver(ctx context.Context, alert models.Alert) error {
	subject := fmt.Sprintf("[%s] %s alert from %s", strings.ToUpper(string(alert.Severity)), alert.Component, "marketsync")
	body := fmt.Sprintf("Alert %s\r\nSeverity: %s\r\nComponent: %s\r\nTime: %s\r\n\r\n%s\r\n",
		alert.ID, alert.Severity, alert.Component, alert.CreatedAt.Format(time.RFC3339), alert.Message)

	msg := strings.Builder{}
	msg.WriteString("From: " + c.cfg.From + "\r\n")
	msg.WriteString("To: " + strings.Join(c.cfg.To, ", ") + "\r\n")
	msg.WriteString("Subject: " + subject + "\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", c.cfg.SMTPHost, c.cfg.SMTPPort)
	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.SMTPHost)
	}
	return smtp.SendMail(addr, auth, c.cfg.From, c.cfg.To, []byte(msg.String()))
}

// WebhookChannel posts the alert as JSON.
type WebhookChannel struct {
	url    string
	client *http.Client
}

func NewWebhookChannel(cfg appconfig.WebhookAlertConfig) *WebhookChannel {
	return &WebhookChannel{
		url:    cfg.URL,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Deliver(ctx context.Context, alert models.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// CloudWatchChannel publishes each alert as a metric datum so operators can
// alarm on alert rates per component.
type CloudWatchChannel struct {
	client    *cloudwatch.Client
	namespace string
}

func NewCloudWatchChannel(ctx context.Context, cfg appconfig.CloudWatchAlertConfig) (*CloudWatchChannel, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "Marketsync"
	}
	return &CloudWatchChannel{
		client:    cloudwatch.NewFromConfig(awsCfg),
		namespace: namespace,
	}, nil
}

func (c *CloudWatchChannel) Name() string { return "cloudwatch" }

func (c *CloudWatchChannel) Deliver(ctx context.Context, alert models.Alert) error {
	_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(c.namespace),
		MetricData: []cwtypes.MetricDatum{{
			MetricName: aws.String("AlertRaised"),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(1),
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String("severity"), Value: aws.String(string(alert.Severity))},
				{Name: aws.String("component"), Value: aws.String(alert.Component)},
			},
		}},
	})
	return err
}
