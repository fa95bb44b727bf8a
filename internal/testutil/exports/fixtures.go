package exports

import "github.com/Veraticus/legacy-reconcile/internal/normalize"

// LegacyPasswordHash is the hash carried by Standard's customer.
const LegacyPasswordHash = "5f4dcc3b5aa765d61d8327deb882cf99"

// Standard is a small export: one customer with a vehicle and a product application.
func Standard() *Builder {
	return New().
		Customer("5", Row{
			"Email":       "A@X.com",
			"Name":        "Old Name",
			"Phone":       "(555) 111-0000",
			"DateCreated": "8/25/2017 3:45:50 PM",
			"DealerCode":  "dlr01",
			"Password":    normalize.EncodeLegacyPassword("md5", LegacyPasswordHash),
		}).
		Vehicle("9", "5", Row{
			"Plate": "abc-123",
			"VIN":   "1hgcm82633a004352",
			"Make":  "Honda",
			"Model": "Accord",
			"Year":  "2003",
		}).
		Application("100", "5", "9", Row{
			"BatchCode":       "b-77",
			"ProductCode":     "cc-pro",
			"ApplicationDate": "2017-09-01",
			"WarrantyYears":   "5",
			"Installer":       "Shop One",
		})
}
