package delivery

// GeoPoint 十进制经纬度。
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// cityCoordinates 内置城市坐标表，key 为 "city|county"（小写、去空格）。
// 后台可通过 delivery_zones 覆盖表对单个地点做覆写（坐标 + 四档费用）。
var cityCoordinates = map[string]GeoPoint{
	"nairobi|nairobi":   {Lat: -1.28333, Lng: 36.81667},
	"westlands|nairobi": {Lat: -1.2666, Lng: 36.8065},
	"kilimani|nairobi":  {Lat: -1.287, Lng: 36.797},
	"thika|kiambu":      {Lat: -1.0369, Lng: 37.0794},
	"machakos|machakos": {Lat: -1.5123, Lng: 37.2634},
	"kajiado|kajiado":   {Lat: -1.8539, Lng: 36.7736},

	// Kiambu County
	"ruiru|kiambu":      {Lat: -1.1500, Lng: 36.9600},
	"juja|kiambu":       {Lat: -1.1817, Lng: 37.0144},
	"githunguri|kiambu": {Lat: -1.0400, Lng: 36.8300},
	"limuru|kiambu":     {Lat: -1.1136, Lng: 36.6422},

	// Nairobi Estates
	"umojai|nairobi":   {Lat: -1.2843, Lng: 36.8824},
	"embakasi|nairobi": {Lat: -1.3233, Lng: 36.9339},
	"southb|nairobi":   {Lat: -1.3065, Lng: 36.8348},
	"rongai|kajiado":   {Lat: -1.3961, Lng: 36.7643},

	// Machakos region
	"syokimau|machakos":   {Lat: -1.3600, Lng: 36.9500},
	"mlolongo|machakos":   {Lat: -1.3900, Lng: 36.9300},
	"athi river|machakos": {Lat: -1.4500, Lng: 36.9800},

	// Mombasa County
	"mombasa|mombasa": {Lat: -4.0435, Lng: 39.6682},
	"likoni|mombasa":  {Lat: -4.0910, Lng: 39.6820},
	"nyali|mombasa":   {Lat: -4.0150, Lng: 39.7200},
	"kisauni|mombasa": {Lat: -4.0140, Lng: 39.7004},

	// Kisumu County
	"kisumu|kisumu":   {Lat: -0.0917, Lng: 34.7680},
	"maseno|kisumu":   {Lat: -0.0033, Lng: 34.5958},
	"muhoroni|kisumu": {Lat: -0.1541, Lng: 35.1967},

	// Nakuru County
	"nakuru|nakuru":   {Lat: -0.3031, Lng: 36.0800},
	"naivasha|nakuru": {Lat: -0.7167, Lng: 36.4333},
	"gilgil|nakuru":   {Lat: -0.4870, Lng: 36.3111},

	// Uasin Gishu
	"eldoret|uasin gishu": {Lat: 0.5143, Lng: 35.2698},
	"zambezi|uasin gishu": {Lat: 0.5200, Lng: 35.3000},

	// Meru County
	"meru|meru":  {Lat: 0.0473, Lng: 37.6559},
	"timau|meru": {Lat: 0.0833, Lng: 37.2900},

	// Nyeri County
	"nyeri|nyeri":    {Lat: -0.4167, Lng: 36.9500},
	"karatina|nyeri": {Lat: -0.4833, Lng: 37.1333},

	// Kakamega County
	"kakamega|kakamega": {Lat: 0.2819, Lng: 34.7519},
	"malava|kakamega":   {Lat: 0.3350, Lng: 34.8498},

	// Garissa County
	"garissa|garissa":   {Lat: -0.4531, Lng: 39.6460},
	"dagahaley|garissa": {Lat: 0.0333, Lng: 40.3167},

	// Turkana County
	"lodwar|turkana": {Lat: 3.1219, Lng: 35.5964},

	// Lamu County
	"lamu|lamu": {Lat: -2.2716, Lng: 40.9020},
}
