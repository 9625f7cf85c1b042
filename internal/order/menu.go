package order

// PriceMap is the authoritative menu for Saffron Bistro, Irvine. Item names
// are matched as exact strings — case, whitespace, and punctuation all
// significant — because the dialogue agent is instructed to echo names
// verbatim from searchMenu results.
//
// The map is never mutated after process start.
var PriceMap = map[string]float64{
	// Dosas
	"Plain Dosa":                9.99,
	"Masala Dosa":               11.49,
	"Mysore Masala Dosa":        12.49,
	"Ghee Roast Dosa":           11.99,
	"Ghee Roast Masala Dosa":    12.99,
	"Paper Dosa":                10.99,
	"Paper Masala Dosa":         12.49,
	"Rava Dosa":                 11.49,
	"Rava Masala Dosa":          12.99,
	"Onion Rava Dosa":           12.49,
	"Onion Rava Masala Dosa":    13.49,
	"Onion Dosa":                10.99,
	"Onion Chilli Dosa":         11.49,
	"Podi Dosa":                 11.49,
	"Podi Masala Dosa":          12.49,
	"Cheese Dosa":               11.99,
	"Cheese Masala Dosa":        12.99,
	"Chocolate Dosa":            11.99,
	"Spring Dosa":               12.99,
	"Paneer Dosa":               13.49,
	"Paneer Chilli Dosa":        13.99,
	"Egg Dosa":                  12.49,
	"Chicken Keema Dosa":        14.49,
	"Lamb Keema Dosa":           15.49,
	"Set Dosa":                  10.99,
	"Adai Avial Dosa":           12.99,
	"Pesarattu":                 11.99,

	// Uttapam
	"Plain Uttapam":             10.99,
	"Onion Uttapam":             11.99,
	"Tomato Uttapam":            11.99,
	"Onion Chilli Uttapam":      12.49,
	"Mixed Vegetable Uttapam":   12.99,
	"Podi Uttapam":              12.49,

	// Idli, vada and tiffin
	"Idli":                      7.99,
	"Ghee Podi Idli":            9.49,
	"Sambar Idli":               9.99,
	"Mini Idli Sambar":          10.49,
	"Fried Idli":                9.49,
	"Medu Vada":                 8.49,
	"Sambar Vada":               9.99,
	"Curd Vada":                 9.99,
	"Rasam Vada":                9.99,
	"Idli Vada Combo":           10.99,
	"Ven Pongal":                10.49,
	"Upma":                      9.49,
	"Poori Masala":              11.49,
	"Chole Bhatura":             12.49,

	// Chaat and starters
	"Samosa":                    6.49,
	"Samosa Chaat":              9.49,
	"Papdi Chaat":               9.49,
	"Pani Puri":                 8.99,
	"Dahi Puri":                 9.49,
	"Bhel Puri":                 8.99,
	"Gobi Manchurian":           12.49,
	"Gobi 65":                   12.49,
	"Paneer 65":                 13.49,
	"Chicken 65":                13.99,
	"Chilli Chicken":            13.99,
	"Chilli Paneer":             13.49,
	"Cut Mirchi":                8.99,
	"Onion Pakora":              8.49,
	"Mixed Vegetable Pakora":    8.99,

	// Curries — vegetarian
	"Sambar":                    6.99,
	"Dal Tadka":                 11.99,
	"Dal Makhani":               12.99,
	"Chana Masala":              12.49,
	"Palak Paneer":              13.99,
	"Paneer Butter Masala":      14.49,
	"Kadai Paneer":              14.49,
	"Paneer Tikka Masala":       14.49,
	"Malai Kofta":               13.99,
	"Aloo Gobi":                 12.49,
	"Bhindi Masala":             12.99,
	"Vegetable Korma":           12.99,
	"Avial":                     12.49,
	"Kootu Curry":               12.49,

	// Curries — non-vegetarian
	"Butter Chicken":            15.49,
	"Chicken Tikka Masala":      15.49,
	"Chicken Chettinad":         15.99,
	"Pepper Chicken":            15.99,
	"Chicken Korma":             15.49,
	"Andhra Chicken Curry":      15.99,
	"Lamb Curry":                16.99,
	"Lamb Rogan Josh":           17.49,
	"Lamb Chettinad":            17.49,
	"Goat Curry":                17.99,
	"Fish Curry":                16.49,
	"Fish Moilee":               16.99,
	"Shrimp Curry":              16.99,
	"Egg Curry":                 13.49,

	// Rice and biryani
	"Steamed Rice":              4.99,
	"Jeera Rice":                6.99,
	"Curd Rice":                 8.99,
	"Lemon Rice":                9.49,
	"Tamarind Rice":             9.49,
	"Coconut Rice":              9.49,
	"Bisi Bele Bath":            10.99,
	"Vegetable Biryani":         13.99,
	"Paneer Biryani":            14.99,
	"Egg Biryani":               14.49,
	"Chicken Biryani":           15.49,
	"Chicken 65 Biryani":        16.49,
	"Lamb Biryani":              16.99,
	"Goat Biryani":              17.49,
	"Shrimp Biryani":            16.99,

	// Breads
	"Butter Naan":               3.49,
	"Garlic Naan":               3.99,
	"Plain Naan":                2.99,
	"Tandoori Roti":             2.99,
	"Butter Roti":               3.29,
	"Onion Kulcha":              4.49,
	"Aloo Paratha":              5.49,
	"Malabar Parotta":           4.99,
	"Kerala Parotta":            4.99,

	// Beverages
	"Mango Lassi":               6.49,
	"Sweet Lassi":               5.99,
	"Salt Lassi":                5.99,
	"Masala Chai":               3.49,
	"Filter Coffee":             3.99,
	"Madras Coffee":             3.99,
	"Buttermilk":                4.49,
	"Rose Milk":                 4.99,
	"Badam Milk":                5.49,
	"Fresh Lime Soda":           4.99,
	"Mango Juice":               5.49,
	"Thums Up":                  3.49,
	"Limca":                     3.49,
	"Bottled Water":             1.99,

	// Desserts
	"Gulab Jamun":               5.99,
	"Rasmalai":                  6.49,
	"Kesari":                    5.49,
	"Payasam":                   5.99,
	"Carrot Halwa":              6.49,
	"Mysore Pak":                5.99,
	"Kulfi":                     5.49,
	"Falooda":                   7.49,

	// Sides and extras
	"Coconut Chutney":           1.99,
	"Tomato Chutney":            1.99,
	"Peanut Chutney":            1.99,
	"Extra Sambar":              2.49,
	"Raita":                     2.99,
	"Papad":                     1.99,
	"Pickle":                    1.49,
	"Onion Salad":               2.49,
}

// LookupPrice returns the authoritative unit price for an exact menu name.
func LookupPrice(name string) (float64, bool) {
	price, ok := PriceMap[name]
	return price, ok
}
