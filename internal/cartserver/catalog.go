package cartserver

// DemoVendors and DemoListings seed the development cart service.
func DemoVendors() []Vendor {
	return []Vendor{
		{ID: "vendor-sparkle", Name: "Sparkle Cleaning Co", PromoBps: 1000},
		{ID: "vendor-paws", Name: "Happy Paws Grooming"},
	}
}

func DemoListings() []Listing {
	return []Listing{
		{ID: "listing-deep-clean", Name: "Deep Clean (3 rooms)", Price: 450000, VendorID: "vendor-sparkle", Images: []string{"https://cdn.example.com/deep-clean.jpg"}},
		{ID: "listing-window", Name: "Window Washing", Price: 150000, VendorID: "vendor-sparkle"},
		{ID: "listing-sofa", Name: "Sofa Shampoo", Price: 200000, VendorID: "vendor-sparkle", Unavailable: true},
		{ID: "listing-dog-bath", Name: "Dog Bath & Brush", Price: 120000, VendorID: "vendor-paws"},
		{ID: "listing-nail-trim", Name: "Nail Trim", Price: 50000, VendorID: "vendor-paws"},
	}
}

// NewDemoService returns a service seeded with the demo catalog.
func NewDemoService() *Service {
	return NewService(DemoVendors(), DemoListings())
}
