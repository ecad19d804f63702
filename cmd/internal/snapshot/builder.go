// Package snapshot builds the read-only commerce context an agent sees next to a conversation.
package snapshot

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"helpdesk/cmd/internal/conversation"
)

const (
	// DefaultRecentOrders is the number of most recent orders kept in a snapshot.
	DefaultRecentOrders = 5
	maxCartItems        = 100
	maxWishItems        = 100
)

// Order is an order as the commerce backend returns it. Payment fields never reach a snapshot.
type Order struct {
	ID             string      `json:"id"`
	Status         string      `json:"status"`
	TotalAmount    float64     `json:"total_amount"`
	TaxAmount      float64     `json:"tax_amount"`
	ShippingAmount float64     `json:"shipping_amount"`
	CreatedAt      *time.Time  `json:"created_at,omitempty"`
	DeliveredAt    *time.Time  `json:"delivered_at,omitempty"`
	Items          []OrderLine `json:"items"`

	PaymentMethod  string `json:"payment_method,omitempty"`
	CardLast4      string `json:"card_last4,omitempty"`
	BillingAddress string `json:"billing_address,omitempty"`
}

// OrderLine is one order line as the commerce backend returns it.
type OrderLine struct {
	ProductName  string  `json:"product_name"`
	ProductPrice float64 `json:"product_price"`
	Quantity     int     `json:"quantity"`
	Subtotal     float64 `json:"subtotal"`
}

// Commerce is the external collaborator that owns carts, orders and wishlists.
type Commerce interface {
	Cart(ctx context.Context, customerID string) ([]conversation.CartItem, error)
	RecentOrders(ctx context.Context, customerID string, limit int) ([]Order, error)
	Wishlist(ctx context.Context, customerID string) ([]conversation.WishItem, error)
}

// Input selects what goes into a snapshot.
//
// Cart and Wishlist, when non-nil, are taken as supplied by the client (guests always supply their cart).
// When CustomerID is set, missing sections and the recent orders are pulled from Commerce.
type Input struct {
	CustomerID string
	Cart       []conversation.CartItem
	Wishlist   []conversation.WishItem
}

// Builder assembles ContextSnapshots.
type Builder struct {
	commerce     Commerce
	recentOrders int
	now          func() time.Time
	log          *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithRecentOrders sets how many of the newest orders are kept.
func WithRecentOrders(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.recentOrders = n
		}
	}
}

// WithClock overrides the capture clock.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.log = l
		}
	}
}

// NewBuilder constructs a Builder. A nil commerce behaves like Nop.
func NewBuilder(commerce Commerce, opts ...Option) *Builder {
	if commerce == nil {
		commerce = Nop{}
	}
	b := &Builder{
		commerce:     commerce,
		recentOrders: DefaultRecentOrders,
		now:          func() time.Time { return time.Now().UTC() },
		log:          slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.log = b.log.With("component", "snapshot")
	return b
}

// Build captures a snapshot. Collaborator calls run concurrently; any failure fails the build
// with conversation.ErrUnavailable so the caller can retry later (a snapshot is set once).
func (b *Builder) Build(ctx context.Context, in Input) (conversation.ContextSnapshot, error) {
	const op = "snapshot.Build"

	cart := in.Cart
	wish := in.Wishlist
	var orders []Order

	customerID := strings.TrimSpace(in.CustomerID)
	if customerID != "" {
		g, gctx := errgroup.WithContext(ctx)
		if cart == nil {
			g.Go(func() error {
				var err error
				cart, err = b.commerce.Cart(gctx, customerID)
				return err
			})
		}
		if wish == nil {
			g.Go(func() error {
				var err error
				wish, err = b.commerce.Wishlist(gctx, customerID)
				return err
			})
		}
		g.Go(func() error {
			var err error
			orders, err = b.commerce.RecentOrders(gctx, customerID, b.recentOrders)
			return err
		})
		if err := g.Wait(); err != nil {
			b.log.Warn("snapshot.build.fail", "customer_id", customerID, "err", err)
			return conversation.ContextSnapshot{}, conversation.OpError{Op: op, Kind: conversation.ErrUnavailable, Msg: "commerce context unavailable", Err: err}
		}
	}

	return conversation.ContextSnapshot{
		CartItems:     sanitizeCart(cart),
		OrdersSummary: summarizeOrders(orders, b.recentOrders),
		WishlistItems: sanitizeWishlist(wish),
		CapturedAt:    b.now().UTC(),
	}, nil
}

func sanitizeCart(in []conversation.CartItem) []conversation.CartItem {
	out := make([]conversation.CartItem, 0, min(len(in), maxCartItems))
	for _, it := range in {
		if len(out) == maxCartItems {
			break
		}
		it.ProductID = strings.TrimSpace(it.ProductID)
		it.Name = strings.TrimSpace(it.Name)
		if it.ProductID == "" && it.Name == "" {
			continue
		}
		if it.Quantity < 0 {
			it.Quantity = 0
		}
		if it.Price < 0 {
			it.Price = 0
		}
		if it.TotalPrice == nil {
			total := it.Price * float64(it.Quantity)
			it.TotalPrice = &total
		} else {
			total := *it.TotalPrice
			it.TotalPrice = &total
		}
		out = append(out, it)
	}
	return out
}

func sanitizeWishlist(in []conversation.WishItem) []conversation.WishItem {
	out := make([]conversation.WishItem, 0, min(len(in), maxWishItems))
	for _, it := range in {
		if len(out) == maxWishItems {
			break
		}
		it.ProductID = strings.TrimSpace(it.ProductID)
		if it.ProductID == "" && strings.TrimSpace(it.Name) == "" {
			continue
		}
		out = append(out, it)
	}
	return out
}

// summarizeOrders keeps the newest n orders (undated last) and drops payment data.
func summarizeOrders(in []Order, n int) []conversation.OrderSummary {
	sorted := slices.Clone(in)
	slices.SortStableFunc(sorted, func(a, b Order) int {
		switch {
		case a.CreatedAt == nil && b.CreatedAt == nil:
			return 0
		case a.CreatedAt == nil:
			return 1
		case b.CreatedAt == nil:
			return -1
		default:
			return -cmp.Compare(a.CreatedAt.UnixNano(), b.CreatedAt.UnixNano())
		}
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}

	out := make([]conversation.OrderSummary, 0, len(sorted))
	for _, o := range sorted {
		items := make([]conversation.OrderItem, 0, len(o.Items))
		for _, l := range o.Items {
			items = append(items, conversation.OrderItem{
				ProductName:  l.ProductName,
				ProductPrice: l.ProductPrice,
				Quantity:     l.Quantity,
				Subtotal:     l.Subtotal,
			})
		}
		out = append(out, conversation.OrderSummary{
			ID:             o.ID,
			Status:         o.Status,
			TotalAmount:    o.TotalAmount,
			TaxAmount:      o.TaxAmount,
			ShippingAmount: o.ShippingAmount,
			CreatedAt:      o.CreatedAt,
			DeliveredAt:    o.DeliveredAt,
			Items:          items,
		})
	}
	return out
}

// Nop is a Commerce with no data. Used when no commerce backend is configured.
type Nop struct{}

func (Nop) Cart(context.Context, string) ([]conversation.CartItem, error) { return nil, nil }

func (Nop) RecentOrders(context.Context, string, int) ([]Order, error) { return nil, nil }

func (Nop) Wishlist(context.Context, string) ([]conversation.WishItem, error) { return nil, nil }
