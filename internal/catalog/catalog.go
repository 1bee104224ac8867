package catalog

import (
	"time"

	"github.com/craftmarket/escrow-api/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Listing is one purchasable design service. The catalog proper lives in
// another system; orders only need the seller and the price at creation time,
// which this table stands in for.
type Listing struct {
	gorm.Model `json:"-"`
	ServiceID  string          `gorm:"uniqueIndex" json:"service_id"`
	SellerID   string          `gorm:"index" json:"seller_id"`
	Title      string          `json:"title"`
	Price      decimal.Decimal `gorm:"type:decimal(20,2)" json:"price"`
	Active     bool            `json:"active"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type Service struct {
	db *gorm.DB
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{db: gormDB}
}

// GetListing returns an active listing by service ID.
func (s *Service) GetListing(serviceID string) (*Listing, error) {
	var listing Listing
	if err := s.db.Where("service_id = ? AND active = ?", serviceID, true).First(&listing).Error; err != nil {
		return nil, err
	}
	return &listing, nil
}

// ListActive returns all active listings.
func (s *Service) ListActive() ([]Listing, error) {
	var listings []Listing
	if err := s.db.Where("active = ?", true).Order("created_at DESC").Find(&listings).Error; err != nil {
		return nil, err
	}
	return listings, nil
}

// CreateListing registers a listing for a seller. Used by the dev seed and
// the simulation; the production catalog is owned elsewhere.
func (s *Service) CreateListing(sellerID, title string, price decimal.Decimal) (*Listing, error) {
	listing := &Listing{
		ServiceID: "SVC_" + uuid.New().String(),
		SellerID:  sellerID,
		Title:     title,
		Price:     price,
		Active:    true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.db.Create(listing).Error; err != nil {
		return nil, err
	}
	return listing, nil
}

// GinHandlers contains HTTP handlers for catalog endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func (h *GinHandlers) ListServicesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		listings, err := h.service.ListActive()
		response.Handle(c, listings, err)
	}
}
