package normalize

// Ordered alternatives per field: the first path that yields a value wins.
// The first entry is the shape the Minerva backend returns today.

var xmlItemNames = []string{"content", "schedule", "programme", "program", "event"}

var xmlPaths = struct {
	start, end, runTime, title, desc, callSign, number, logo, genres, rating, image []string
}{
	start:    []string{"startDateTime", "startTime", "start", "@start"},
	end:      []string{"endDateTime", "endTime", "end", "stop", "@stop"},
	runTime:  []string{"runTime"},
	title:    []string{"title", "name", "programTitle", "PROGRAM/title"},
	desc:     []string{"description", "synopsis", "shortDescription", "longDescription", "desc"},
	callSign: []string{"TV_CHANNEL/callSign", "channel/callSign", "callSign", "@channel"},
	number:   []string{"TV_CHANNEL/number", "channel/number", "channelNumber"},
	logo:     []string{"TV_CHANNEL/**/image/url", "channel/logo", "channelLogo"},
	genres:   []string{"genres/genre/name", "genres/genre", "genre", "categories/category", "category"},
	rating:   []string{"rating", "parentalRating/name", "parentalRating", "ratings/rating/value"},
	image:    []string{"images/image/url", "image/url", "previewImage", "poster"},
}

var jsonListKeys = []string{"contents", "schedules", "programmes"}

// Wrappers sometimes found under a list key instead of an array.
var jsonInnerListKeys = []string{"content", "schedule", "programme", "items"}

var jsonPaths = struct {
	start, end, runTime, title, desc, callSign, number, logo, genres, rating, image []string
}{
	start:    []string{"/startDateTime", "/startTime", "/start", "/airDateTime"},
	end:      []string{"/endDateTime", "/endTime", "/end", "/stop"},
	runTime:  []string{"/runTime"},
	title:    []string{"/title", "/name", "/program/title"},
	desc:     []string{"/description", "/synopsis", "/subtitle", "/program/description"},
	callSign: []string{"/channel/callSign", "/tvChannel/callSign", "/TV_CHANNEL/callSign", "/callSign"},
	number:   []string{"/channel/number", "/tvChannel/number", "/TV_CHANNEL/number", "/channelNumber"},
	logo:     []string{"/channel/logo", "/channel/image/url", "/channel/images/0/url", "/TV_CHANNEL/images/0/url", "/tvChannel/logo"},
	genres:   []string{"/genres", "/categories", "/genre"},
	rating:   []string{"/rating", "/parentalRating/name", "/parentalRating", "/ratings/0/value"},
	image:    []string{"/image", "/images/0/url", "/previewImage", "/poster"},
}
