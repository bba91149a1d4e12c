package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"air-quality-alerts/internal/storage"
)

type alertLister interface {
	ListRecentAlerts(ctx context.Context, limit int) ([]storage.AlertRecord, error)
}

type deliveryLister interface {
	ListRecentDeliveries(ctx context.Context, limit int) ([]storage.DeliveryRecord, error)
}

// Show prints recent alerts, or the delivery log with --deliveries.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show records")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Deliveries {
		return a.showDeliveries(ctx, store, opts.Limit)
	}
	return a.showAlerts(ctx, store, opts.Limit)
}

func (a *App) showAlerts(ctx context.Context, store alertLister, limit int) error {
	alerts, err := store.ListRecentAlerts(ctx, limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Triggered (UTC)\tWindow\tThreshold\tLocal AQI\tRegional AQI\tAQI/min\tTrigger")

	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			alert.TriggeredAt.UTC().Format(time.RFC3339),
			alert.WindowName,
			alert.Threshold,
			formatDecimal(alert.LocalAQI, 1),
			formatDecimal(alert.RegionalAQI, 1),
			formatDecimal(alert.RatePerMinute, 2),
			alert.Trigger,
		)
	}

	return writer.Flush()
}

func (a *App) showDeliveries(ctx context.Context, store deliveryLister, limit int) error {
	deliveries, err := store.ListRecentDeliveries(ctx, limit)
	if err != nil {
		return err
	}
	if len(deliveries) == 0 {
		fmt.Fprintln(os.Stdout, "no delivery attempts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Attempted (UTC)\tSubscriber\tChannel\tStatus\tProvider ID\tError")

	for _, delivery := range deliveries {
		providerID := ""
		if delivery.ProviderID != nil {
			providerID = *delivery.ProviderID
		}
		errMsg := ""
		if delivery.Error != nil {
			errMsg = sanitizeInline(*delivery.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			delivery.AttemptedAt.UTC().Format(time.RFC3339),
			delivery.SubscriberID,
			delivery.Channel,
			delivery.Status,
			providerID,
			errMsg,
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
