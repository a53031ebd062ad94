package session

import (
	"math/rand"

	"adventure-server/internal/model"
)

// ElementsProvider поставляет повествовательные элементы новой сессии.
// Хранение и разбор шаблонов — внешняя забота; ядру нужен только результат.
type ElementsProvider interface {
	NewAdventure(seed int64) (model.NarrativeElements, model.AgencyReference, model.SessionMetadata)
}

// staticElementsProvider выбирает элементы из встроенных наборов.
type staticElementsProvider struct{}

// NewStaticElementsProvider возвращает провайдер со встроенными наборами
// элементов. Выбор детерминирован при фиксированном зерне.
func NewStaticElementsProvider() ElementsProvider {
	return staticElementsProvider{}
}

var (
	themes = []string{
		"a journey to return a lost star to the sky",
		"a quest to heal the singing forest",
		"an expedition to map the clockwork caves",
		"a voyage across the glass sea",
	}
	settings = []string{
		"a floating archipelago of lantern-lit islands",
		"an ancient forest where trees hum melodies",
		"a city built inside a giant dormant volcano",
		"a coastline of tide pools that glow at dusk",
	}
	morals = []string{
		"curiosity grows when it is shared",
		"small kindnesses change big outcomes",
		"mistakes are the first drafts of discoveries",
		"courage is being scared and trying anyway",
	}
	plotTwists = []string{
		"the guide has been the lost star all along",
		"the map was drawn by the protagonist's future self",
		"the villain is protecting something fragile",
		"the storm is a creature asking for help",
	}
	palettes = []string{
		"amber lantern light, cool sea mist, distant chimes",
		"deep green shade, warm moss, birdsong",
		"ember glow, cooled obsidian, echoing drips",
		"silver dusk, phosphorescent blue, soft surf",
	}
	protagonists = []string{
		"a curious child with a patched satchel and quick eyes",
		"a young inventor with ink-stained fingers",
		"a quiet listener who understands animals",
		"a brave mapmaker who sketches everything",
	}
	agencyChoices = []model.AgencyReference{
		{Kind: model.AgencyItem, Name: "a brass compass", Description: "points toward what the heart needs, not north"},
		{Kind: model.AgencyCompanion, Name: "a moth called Ember", Description: "glows brighter near hidden truths"},
		{Kind: model.AgencyRole, Name: "the apprentice starkeeper", Description: "entrusted with tending fallen lights"},
		{Kind: model.AgencyAbility, Name: "the gift of echo-hearing", Description: "hears the recent past of any place"},
	}
)

func (staticElementsProvider) NewAdventure(seed int64) (model.NarrativeElements, model.AgencyReference, model.SessionMetadata) {
	rng := rand.New(rand.NewSource(seed))
	elements := model.NarrativeElements{
		Theme:          themes[rng.Intn(len(themes))],
		Setting:        settings[rng.Intn(len(settings))],
		Moral:          morals[rng.Intn(len(morals))],
		PlotTwist:      plotTwists[rng.Intn(len(plotTwists))],
		SensoryPalette: palettes[rng.Intn(len(palettes))],
		Protagonist:    protagonists[rng.Intn(len(protagonists))],
	}
	agency := agencyChoices[rng.Intn(len(agencyChoices))]
	meta := model.SessionMetadata{
		ProtagonistBaseVisual: elements.Protagonist,
	}
	return elements, agency, meta
}
